// Package ratelimit provides per-identity admission control for the assistant
// endpoints using a fixed-duration window.
package ratelimit

import (
	"sync"
	"time"
)

// evictThreshold is the map size above which stale identities are swept on the
// next Admit call. Keeps memory bounded without a background goroutine.
const evictThreshold = 1024

// Result is the outcome of an admission check. A denial is a normal value,
// not an error; callers translate it into a throttling response.
type Result struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

type windowState struct {
	count       int
	windowStart time.Time
}

// Limiter caps requests per identity inside a fixed window. Safe for
// concurrent use; the read-increment-write on a window is done under one lock
// so concurrent Admit calls for the same identity never lose an update.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*windowState
}

// New creates a Limiter allowing limit requests per identity per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*windowState),
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Admit checks and records one request for identity. The window resets exactly
// at the rollover boundary; the count never goes negative.
func (l *Limiter) Admit(identity string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.windows) > evictThreshold {
		l.evictStale(now)
	}

	st, ok := l.windows[identity]
	if !ok || now.Sub(st.windowStart) >= l.window {
		st = &windowState{windowStart: now}
		l.windows[identity] = st
	}

	resetIn := l.window - now.Sub(st.windowStart)

	if st.count >= l.limit {
		return Result{Allowed: false, Remaining: 0, ResetIn: resetIn}
	}

	st.count++
	return Result{Allowed: true, Remaining: l.limit - st.count, ResetIn: resetIn}
}

// evictStale drops identities whose window has fully elapsed. Caller holds mu.
func (l *Limiter) evictStale(now time.Time) {
	for id, st := range l.windows {
		if now.Sub(st.windowStart) >= l.window {
			delete(l.windows, id)
		}
	}
}

// Size returns the number of tracked identities. Intended for tests.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
