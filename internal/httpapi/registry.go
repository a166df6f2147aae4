package httpapi

import (
	"sync"
	"sync/atomic"
)

// StreamRegistry tracks in-flight chat streams and voice sessions and
// supports graceful draining: once draining starts, new streams are rejected
// while the ones already running finish naturally.
//
// The mu mutex makes the draining check and wg.Add atomic in Acquire(),
// preventing a TOCTOU race where StartDraining+Wait could slip between the
// check and the increment.
type StreamRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{}
}

// Acquire registers a new active stream. Returns false if the registry is
// draining, meaning the request should be rejected.
func (sr *StreamRegistry) Acquire() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if sr.draining {
		return false
	}
	sr.wg.Add(1)
	sr.count.Add(1)
	return true
}

// Release marks a stream as finished. Must be called exactly once per
// successful Acquire.
func (sr *StreamRegistry) Release() {
	sr.count.Add(-1)
	sr.wg.Done()
}

// StartDraining makes all future Acquire calls return false. Safe to call
// concurrently with Acquire.
func (sr *StreamRegistry) StartDraining() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (sr *StreamRegistry) IsDraining() bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.draining
}

// ActiveCount returns the number of streams currently running.
func (sr *StreamRegistry) ActiveCount() int64 {
	return sr.count.Load()
}

// Wait blocks until every acquired stream has been released.
func (sr *StreamRegistry) Wait() {
	sr.wg.Wait()
}
