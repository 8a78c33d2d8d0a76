package camera

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Given a set of consecutive frame intervals, estimate the average frames
// per second. We use the median interval, which is robust against the
// occasional stall or burst that a mean would smear.
func EstimateFPS(frameIntervals []time.Duration) float64 {
	if len(frameIntervals) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(frameIntervals))
	copy(sorted, frameIntervals)
	slices.Sort(sorted)
	mid := sorted[len(sorted)/2]
	if mid == 0 {
		return 0
	}
	fps := float64(time.Second) / float64(mid)
	if fps >= 0.9 {
		return math.Round(fps*10) / 10
	}
	return fps
}

// FPSTracker keeps a sliding window of frame arrival intervals.
// Safe for one writer and any number of readers.
type FPSTracker struct {
	lock      sync.Mutex
	last      time.Time
	intervals []time.Duration
	next      int
	full      bool
}

const fpsWindowSize = 60

func (t *FPSTracker) Tick(now time.Time) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if !t.last.IsZero() {
		if t.intervals == nil {
			t.intervals = make([]time.Duration, fpsWindowSize)
		}
		t.intervals[t.next] = now.Sub(t.last)
		t.next = (t.next + 1) % fpsWindowSize
		if t.next == 0 {
			t.full = true
		}
	}
	t.last = now
}

func (t *FPSTracker) FPS() float64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.intervals == nil {
		return 0
	}
	n := t.next
	if t.full {
		n = fpsWindowSize
	}
	return EstimateFPS(t.intervals[:n])
}

// LastFrameAt returns the arrival time of the most recent frame, used by
// the capture service's stall detector.
func (t *FPSTracker) LastFrameAt() time.Time {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.last
}
