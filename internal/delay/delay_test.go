package delay

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleFiresOnce(t *testing.T) {
	var n atomic.Int32
	tm := Schedule(10*time.Millisecond, func() { n.Add(1) })
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), n.Load())
	require.True(t, tm.Fired())
	// canceling after the fact changes nothing
	tm.Cancel()
	tm.Cancel()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), n.Load())
}

func TestCancelBeforeFire(t *testing.T) {
	var n atomic.Int32
	tm := Schedule(200*time.Millisecond, func() { n.Add(1) })
	tm.Cancel()
	time.Sleep(300 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Errorf("callback ran %d times after Cancel", got)
	}
	require.False(t, tm.Fired())
}

func TestCancelNilTimer(t *testing.T) {
	var tm *Timer
	tm.Cancel() // must not panic
	require.False(t, tm.Fired())
}

func TestCancelRace(t *testing.T) {
	// Cancel concurrently with the firing instant; whichever wins, the
	// callback runs at most once and Cancel never panics.
	for i := 0; i < 50; i++ {
		var n atomic.Int32
		tm := Schedule(time.Millisecond, func() { n.Add(1) })
		go tm.Cancel()
		time.Sleep(5 * time.Millisecond)
		if got := n.Load(); got > 1 {
			t.Fatalf("callback ran %d times", got)
		}
	}
}
