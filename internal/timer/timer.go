// Package timer provides a scoped timer whose outstanding callbacks can be
// cancelled together.
package timer

import (
	"sync"
	"time"
)

// Timer owns a set of scheduled callbacks
type Timer struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
	closed  bool
}

// Handle is an opaque reference to one scheduled callback
type Handle struct {
	owner *Timer
	t     *time.Timer
}

// New creates an empty timer scope
func New() *Timer {
	return &Timer{
		handles: make(map[*Handle]struct{}),
	}
}

// AfterFunc runs fn after d unless the handle or the timer is stopped first.
// After Close it returns a handle that never fires.
func (t *Timer) AfterFunc(d time.Duration, fn func()) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := &Handle{owner: t}
	if t.closed {
		return h
	}

	h.t = time.AfterFunc(d, func() {
		if !t.release(h) {
			return
		}
		fn()
	})
	t.handles[h] = struct{}{}
	return h
}

// release removes h and reports whether it was still pending
func (t *Timer) release(h *Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handles[h]; !ok {
		return false
	}
	delete(t.handles, h)
	return true
}

// Pending returns the number of callbacks that have not fired or been stopped
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Close stops every outstanding callback. Later AfterFunc calls are no-ops.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for h := range t.handles {
		if h.t != nil {
			h.t.Stop()
		}
		delete(t.handles, h)
	}
}

// Closed reports whether Close has been called
func (t *Timer) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Stop cancels the callback. It reports whether the callback was still pending.
func (h *Handle) Stop() bool {
	if h == nil || h.t == nil {
		return false
	}
	if !h.owner.release(h) {
		return false
	}
	h.t.Stop()
	return true
}
