package delay

import (
	"sync"
	"time"
)

// Timer is a cancellable one-shot task. The callback runs at most once, on
// its own goroutine. Cancel after the callback ran, Cancel twice, or Cancel
// on a nil Timer are all no-ops, so callers never have to know whether the
// timer already fired before letting go of it.
type Timer struct {
	mu       sync.Mutex
	inner    *time.Timer
	fired    bool
	canceled bool
}

// Schedule arms a one-shot timer that runs fn after d.
func Schedule(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.inner = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.canceled {
			t.mu.Unlock()
			return
		}
		t.fired = true
		t.mu.Unlock()
		fn()
	})
	return t
}

// Cancel stops the timer if it has not fired yet.
func (t *Timer) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.canceled = true
	t.mu.Unlock()
	t.inner.Stop()
}

// Fired reports whether the callback ran (or is running).
func (t *Timer) Fired() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
