package storage

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/scheduler"
)

// retryItem tracks one locally-staged file awaiting primary upload.
type retryItem struct {
	path     string
	attempts int
}

// Reconciler drains locally-staged attachments back into the primary store.
// The loop auto-starts when the first item is added and auto-stops when the
// set empties. Content is re-read from disk on every attempt; it is never
// held in memory between attempts.
type Reconciler struct {
	uploader   Uploader
	local      *Local
	sched      *scheduler.Scheduler
	interval   time.Duration
	maxRetries int
	log        *zap.Logger

	mu     sync.Mutex
	items  map[string]*retryItem
	handle *scheduler.Handle
}

// NewReconciler wires the drain loop. It does not start until Add or Seed
// gives it work.
func NewReconciler(uploader Uploader, local *Local, sched *scheduler.Scheduler, interval time.Duration, maxRetries int, log *zap.Logger) *Reconciler {
	return &Reconciler{
		uploader:   uploader,
		local:      local,
		sched:      sched,
		interval:   interval,
		maxRetries: maxRetries,
		items:      make(map[string]*retryItem),
		log:        log,
	}
}

// Add registers a staged file for drain and starts the loop if idle.
func (r *Reconciler) Add(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[path]; ok {
		return
	}
	r.items[path] = &retryItem{path: path}
	r.startLocked()
}

// Seed registers everything still staged on disk; called once at startup so
// files from a previous run drain too. The scan also garbage-collects
// orphaned meta files.
func (r *Reconciler) Seed() {
	for _, path := range r.local.PendingFiles() {
		r.Add(path)
	}
}

// Pending returns the number of files awaiting drain.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *Reconciler) startLocked() {
	if r.handle != nil {
		return
	}
	r.handle = r.sched.Every(r.interval, r.drain)
	if r.handle != nil {
		r.log.Info("reconciler started", zap.Duration("interval", r.interval))
	}
}

func (r *Reconciler) stop() {
	r.mu.Lock()
	handle := r.handle
	r.handle = nil
	r.mu.Unlock()

	if handle != nil {
		handle.Cancel()
		r.log.Info("reconciler stopped, retry set empty")
	}
}

// drain attempts one upload pass over the current retry set.
func (r *Reconciler) drain() {
	r.mu.Lock()
	batch := make([]*retryItem, 0, len(r.items))
	for _, item := range r.items {
		batch = append(batch, item)
	}
	r.mu.Unlock()

	for _, item := range batch {
		r.drainOne(item)
	}

	r.mu.Lock()
	empty := len(r.items) == 0
	r.mu.Unlock()
	if empty {
		r.stop()
	}
}

func (r *Reconciler) drainOne(item *retryItem) {
	content, meta, err := r.local.Read(item.path)
	if err != nil {
		// File vanished (retention sweep or manual cleanup): stop retrying.
		r.log.Warn("staged attachment unreadable, dropping from retry set",
			zap.String("path", item.path),
			zap.Error(err),
		)
		r.remove(item.path)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key := filepath.Base(item.path)
	url, err := r.uploader.Upload(ctx, key, meta.ContentType, content)
	if err != nil {
		item.attempts++
		r.log.Warn("reconcile upload failed",
			zap.String("path", item.path),
			zap.Int("attempts", item.attempts),
			zap.Error(err),
		)
		if item.attempts >= r.maxRetries {
			// Leave the file for the retention sweep.
			r.log.Error("reconcile retries exhausted, leaving file for retention",
				zap.String("path", item.path),
			)
			r.remove(item.path)
		}
		return
	}

	r.local.Remove(item.path)
	r.remove(item.path)
	r.log.Info("staged attachment drained to primary store",
		zap.String("path", item.path),
		zap.String("url", url),
	)
}

func (r *Reconciler) remove(path string) {
	r.mu.Lock()
	delete(r.items, path)
	r.mu.Unlock()
}
