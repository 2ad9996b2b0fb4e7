// Package scheduler owns every background timer in the process: the
// retention sweep, the reconciler interval and deferred task re-enqueues.
// All handles are canceled in one call at shutdown so no timer can keep the
// process alive or fire into torn-down components.
package scheduler

import (
	"sync"
	"time"
)

// Handle cancels one scheduled function.
type Handle struct {
	cancel func()
	once   sync.Once
}

// Cancel stops the timer behind the handle. Safe to call more than once and
// after the function has fired.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.once.Do(h.cancel)
}

// Scheduler creates cancelable one-shot and repeating timers.
type Scheduler struct {
	mu      sync.Mutex
	stopped bool
	nextID  uint64
	active  map[uint64]*Handle
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{active: make(map[uint64]*Handle)}
}

// After runs fn once after d. Returns nil if the scheduler is stopped.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	id := s.nextID
	s.nextID++

	t := time.NewTimer(d)
	done := make(chan struct{})
	h := &Handle{cancel: func() {
		t.Stop()
		close(done)
	}}
	s.active[id] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		select {
		case <-t.C:
			fn()
		case <-done:
		}
	}()
	return h
}

// Every runs fn on every tick of d until the handle is canceled or the
// scheduler stops. Returns nil if the scheduler is stopped.
func (s *Scheduler) Every(d time.Duration, fn func()) *Handle {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	id := s.nextID
	s.nextID++

	ticker := time.NewTicker(d)
	done := make(chan struct{})
	h := &Handle{cancel: func() {
		ticker.Stop()
		close(done)
	}}
	s.active[id] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return h
}

// StopAll cancels every outstanding handle and refuses new ones. It waits
// for timer goroutines to drain, so a function currently running completes
// before StopAll returns.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) release(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
