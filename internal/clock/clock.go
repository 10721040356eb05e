package clock

import (
	"sync"
	"time"
)

// Clock abstracts time for components whose policy depends on elapsed
// durations (restart throttling, startup deadlines). Production code uses
// System; tests drive a Fake so rate-limit scenarios take no wall time.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// System reads the real clock.
type System struct{}

func (System) Now() time.Time        { return time.Now() }
func (System) Sleep(d time.Duration) { time.Sleep(d) }

// Fake is a manually advanced clock. Sleep advances the fake time by the
// full duration and returns immediately.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake { return &Fake{now: start} }

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	if d > 0 {
		f.Advance(d)
	}
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
