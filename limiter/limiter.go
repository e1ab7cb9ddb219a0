// Package limiter provides the global outbound request gate shared by all
// fetch tasks of a run.
package limiter

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most quota acquisitions in any rolling window. It keeps
// the grant times of the current window and parks waiters on a timer until
// the oldest grant expires.
type Limiter struct {
	quota  int
	window time.Duration

	mu     sync.Mutex
	grants []time.Time

	now      func() time.Time
	newTimer func(time.Duration) timer
	observe  func(time.Duration)
}

type timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithWaitObserver registers a callback receiving how long each Acquire waited.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(l *Limiter) { l.observe = fn }
}

// New returns a limiter admitting quota acquisitions per window. Non-positive
// values fall back to 5 per second.
func New(quota int, window time.Duration, opts ...Option) *Limiter {
	if quota <= 0 {
		quota = 5
	}
	if window <= 0 {
		window = time.Second
	}
	l := &Limiter{
		quota:  quota,
		window: window,
		grants: make([]time.Time, 0, quota),
		now:    time.Now,
		newTimer: func(d time.Duration) timer {
			return realTimer{time.NewTimer(d)}
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until a slot is free in the current window. It returns
// ctx.Err() if the context ends first; a cancelled waiter never holds a slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := l.now()
	for {
		wait, ok := l.tryAcquire()
		if ok {
			if l.observe != nil {
				l.observe(l.now().Sub(start))
			}
			return nil
		}

		t := l.newTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}
	}
}

// TryAcquire takes a slot only if one is free right now.
func (l *Limiter) TryAcquire() bool {
	_, ok := l.tryAcquire()
	return ok
}

// Stats returns the grants inside the current window and the remaining slots.
func (l *Limiter) Stats() (inWindow int, remaining int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(l.now())
	return len(l.grants), l.quota - len(l.grants)
}

func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	if len(l.grants) < l.quota {
		l.grants = append(l.grants, now)
		return 0, true
	}

	wait := l.grants[0].Add(l.window).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	n := 0
	for n < len(l.grants) && !l.grants[n].After(cutoff) {
		n++
	}
	if n > 0 {
		l.grants = append(l.grants[:0], l.grants[n:]...)
	}
}
