package tracker

import (
	"sync"

	"github.com/berginj/PitchTracker-sub000/server/defs"
	"github.com/bmharper/ringbuffer"
)

// PreRollBuffer holds the most recent frames of every camera so that the
// moment a pitch is recognized, the footage leading up to it already
// exists. It is maintained unconditionally, independent of tracking
// state, and is owned and mutated only by the tracker.
type PreRollBuffer struct {
	capacity int // Logical capacity; the rings are the next power of 2 up

	lock  sync.Mutex
	rings map[defs.CameraID]*ringbuffer.RingP[*defs.Frame]
}

// PreRollCapacity is ceil(preRollMS * fps / 1000 * 1.2). The 20% margin
// absorbs fps jitter, so the buffer still spans the full pre-roll window
// when the camera runs slightly fast.
func PreRollCapacity(preRollMS, fps int) int {
	n := (preRollMS*fps*12 + 9999) / 10000
	if n < 1 {
		n = 1
	}
	return n
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

func NewPreRollBuffer(preRollMS, fps int) *PreRollBuffer {
	return &PreRollBuffer{
		capacity: PreRollCapacity(preRollMS, fps),
		rings:    map[defs.CameraID]*ringbuffer.RingP[*defs.Frame]{},
	}
}

func (b *PreRollBuffer) Capacity() int {
	return b.capacity
}

func (b *PreRollBuffer) Add(frame *defs.Frame) {
	b.lock.Lock()
	defer b.lock.Unlock()
	ring := b.rings[frame.CameraID]
	if ring == nil {
		r := ringbuffer.NewRingP[*defs.Frame](nextPowerOf2(b.capacity))
		ring = &r
		b.rings[frame.CameraID] = ring
	}
	ring.Add(frame)
}

func (b *PreRollBuffer) Len(cam defs.CameraID) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	ring := b.rings[cam]
	if ring == nil {
		return 0
	}
	n := ring.Len()
	if n > b.capacity {
		n = b.capacity
	}
	return n
}

// Snapshot returns up to capacity most-recent frames per camera, oldest
// first. The returned slices are independent copies; the caller may hold
// them as long as it likes (this is the ownership handoff into PitchStart).
func (b *PreRollBuffer) Snapshot() map[defs.CameraID][]*defs.Frame {
	b.lock.Lock()
	defer b.lock.Unlock()
	out := map[defs.CameraID][]*defs.Frame{}
	for cam, ring := range b.rings {
		n := ring.Len()
		start := 0
		if n > b.capacity {
			start = n - b.capacity
		}
		frames := make([]*defs.Frame, 0, n-start)
		for i := start; i < n; i++ {
			frames = append(frames, ring.Peek(i))
		}
		out[cam] = frames
	}
	return out
}
