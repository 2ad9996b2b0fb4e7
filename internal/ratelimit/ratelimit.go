// Package ratelimit implements the per-IP sliding-window connection limiter
// applied at SMTP connect time.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks connection timestamps per remote IP over a sliding window.
// At exactly maxHits within the window a connection is still admitted; one
// more is rejected.
type Limiter struct {
	window  time.Duration
	maxHits int

	mu   sync.Mutex
	hits map[string][]time.Time

	// now is replaceable in tests
	now func() time.Time
}

// New creates a limiter. A maxHits of zero disables limiting.
func New(window time.Duration, maxHits int) *Limiter {
	return &Limiter{
		window:  window,
		maxHits: maxHits,
		hits:    make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records a hit for ip and reports whether the connection is admitted.
func (l *Limiter) Allow(ip string) bool {
	if l.maxHits <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.hits[ip][:0]
	for _, t := range l.hits[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.maxHits {
		l.hits[ip] = recent
		return false
	}

	l.hits[ip] = append(recent, now)
	return true
}

// Reset drops all recorded hits.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.hits = make(map[string][]time.Time)
	l.mu.Unlock()
}
