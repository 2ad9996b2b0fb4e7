package dispatch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/queue"
	"github.com/theviktor/inbound-email/internal/router"
	"github.com/theviktor/inbound-email/internal/scheduler"
)

const (
	// maxAttempts is the number of in-worker delivery attempts before a
	// task is persisted for deferred retry.
	maxAttempts = 3

	baseBackoff = time.Second
	maxBackoff  = 10 * time.Second
)

// ErrQueueFull is returned by Enqueue when the in-memory work queue is at
// capacity; the SMTP layer answers 451 "server busy".
var ErrQueueFull = errors.Str("dispatch queue full")

// Dispatcher is the bounded worker pool consuming task ids. Each id is in
// flight with exactly one worker at a time; crashed ids are re-claimed by
// the startup replay.
type Dispatcher struct {
	store      *queue.Store
	router     *router.Router
	sender     *Sender
	sched      *scheduler.Scheduler
	retryDelay time.Duration
	log        *zap.Logger

	work    chan string
	pending atomic.Int64
	closed  atomic.Bool
	wg      sync.WaitGroup

	// backoff is replaceable in tests
	backoff func(attempt int) time.Duration
}

// New builds a dispatcher with the given worker count and work queue cap.
func New(store *queue.Store, rt *router.Router, sender *Sender, sched *scheduler.Scheduler, concurrency, maxQueueSize int, retryDelay time.Duration, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		router:     rt,
		sender:     sender,
		sched:      sched,
		retryDelay: retryDelay,
		log:        log,
		work:       make(chan string, maxQueueSize),
		backoff:    backoffDelay,
	}
	for i := 0; i < concurrency; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue pushes a task id into the work queue without blocking.
func (d *Dispatcher) Enqueue(id string) error {
	if d.closed.Load() {
		return errors.Str("dispatcher closed")
	}
	select {
	case d.work <- id:
		d.pending.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports tasks queued or currently being delivered. Shutdown polls
// this until it reaches zero.
func (d *Dispatcher) Pending() int64 {
	return d.pending.Load()
}

// QueueDepth reports ids waiting in the in-memory queue.
func (d *Dispatcher) QueueDepth() int {
	return len(d.work)
}

// Close stops intake and waits for the workers to drain in-flight tasks.
func (d *Dispatcher) Close() {
	if d.closed.CompareAndSwap(false, true) {
		close(d.work)
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for id := range d.work {
		d.process(id)
		d.pending.Add(-1)
	}
}

// process runs the full delivery cycle for one task id.
func (d *Dispatcher) process(id string) {
	task, err := d.store.Get(id)
	if err != nil {
		// Already removed; ack silently.
		d.log.Debug("task gone before dispatch", zap.String("id", id))
		return
	}

	targets := d.router.Route(task.Parsed)
	if len(targets) == 0 {
		// Nothing routable: leave the task in the durable store for
		// operator action.
		d.log.Error("no webhook targets for task, leaving in queue",
			zap.String("id", id),
		)
		return
	}

	if task.FailedWebhooks != nil {
		targets = restrictTargets(targets, task.FailedWebhooks)
		if len(targets) == 0 {
			d.log.Info("previously failed webhooks no longer routed, removing task",
				zap.String("id", id),
			)
			d.store.Remove(id)
			return
		}
	}

	ctx := context.Background()
	var lastErr string

	for attempt := 1; ; attempt++ {
		results := d.deliver(ctx, task, targets)

		var failed []router.Target
		for i, res := range results {
			if !res.Success {
				failed = append(failed, targets[i])
				lastErr = res.Error
			}
		}

		if len(failed) == 0 {
			if err := d.store.Remove(id); err != nil {
				d.log.Error("failed to remove delivered task", zap.String("id", id), zap.Error(err))
			}
			d.log.Info("task delivered",
				zap.String("id", id),
				zap.Int("targets", len(results)),
				zap.Int("attempt", attempt),
			)
			return
		}

		// Partial success: only the failed subset is retried.
		if len(failed) < len(targets) {
			d.log.Warn("partial delivery",
				zap.String("id", id),
				zap.Int("succeeded", len(targets)-len(failed)),
				zap.Int("failed", len(failed)),
			)
		}
		targets = failed

		if attempt >= maxAttempts {
			d.deferRetry(id, targets, attempt, lastErr)
			return
		}
		time.Sleep(d.backoff(attempt))
	}
}

// deferRetry persists the failed subset back to the task and schedules the
// deferred re-enqueue. The timer is owned by the scheduler so it cannot
// keep the process alive past shutdown.
func (d *Dispatcher) deferRetry(id string, failed []router.Target, attempts int, lastErr string) {
	urls := make([]string, len(failed))
	for i, t := range failed {
		urls[i] = t.Webhook
	}

	err := d.store.Update(id, queue.Patch{
		FailedWebhooks: urls,
		AttemptsDelta:  attempts,
		LastError:      lastErr,
	})
	if err != nil {
		d.log.Error("failed to persist retry state", zap.String("id", id), zap.Error(err))
		return
	}

	d.log.Warn("delivery attempts exhausted, scheduling re-enqueue",
		zap.String("id", id),
		zap.Strings("failedWebhooks", urls),
		zap.Duration("delay", d.retryDelay),
	)
	d.sched.After(d.retryDelay, func() {
		if err := d.Enqueue(id); err != nil {
			d.log.Warn("deferred re-enqueue failed", zap.String("id", id), zap.Error(err))
		}
	})
}

// deliver POSTs to every target in priority order and collects per-target
// results.
func (d *Dispatcher) deliver(ctx context.Context, task *queue.Task, targets []router.Target) []Result {
	results := make([]Result, len(targets))
	for i, target := range targets {
		results[i] = d.sender.Send(ctx, task.Parsed, target)
		if results[i].Success {
			d.log.Debug("webhook delivered",
				zap.String("id", task.ID),
				zap.String("webhook", target.Webhook),
				zap.Int("status", results[i].Status),
			)
		} else {
			d.log.Warn("webhook delivery failed",
				zap.String("id", task.ID),
				zap.String("webhook", target.Webhook),
				zap.String("error", results[i].Error),
			)
		}
	}
	return results
}

// restrictTargets keeps only the targets whose webhook is in the persisted
// failed set.
func restrictTargets(targets []router.Target, failed []string) []router.Target {
	keep := targets[:0]
	for _, t := range targets {
		for _, f := range failed {
			if strings.EqualFold(t.Webhook, f) {
				keep = append(keep, t)
				break
			}
		}
	}
	return keep
}

// backoffDelay is min(1s * 2^(attempt-1), 10s).
func backoffDelay(attempt int) time.Duration {
	delay := baseBackoff << (attempt - 1)
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}
