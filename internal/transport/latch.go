package transport

import "sync"

// latch remembers the last reported connectivity so each real transition
// is reported once. It starts unknown.
type latch struct {
	mu    sync.Mutex
	known bool
	up    bool
}

// toConnected returns true when the state changed to connected
func (l *latch) toConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.known && l.up {
		return false
	}
	l.known, l.up = true, true
	return true
}

// toDisconnected returns true when the state changed to disconnected. With
// ignoreIfUnknown an unknown state stays unknown.
func (l *latch) toDisconnected(ignoreIfUnknown bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.known && ignoreIfUnknown {
		return false
	}
	if l.known && !l.up {
		return false
	}
	l.known, l.up = true, false
	return true
}

func (l *latch) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.known, l.up = false, false
}
