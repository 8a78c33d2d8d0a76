package detect

import (
	"sync"

	"github.com/berginj/PitchTracker-sub000/server/defs"
)

// frameQueue is a bounded FIFO of frames with a drop-oldest admission
// policy: a push onto a full queue evicts the head, so the queue always
// holds the freshest frames in capture order. A stale detection has no
// value in a real-time pipeline, so recency wins over completeness.
type frameQueue struct {
	lock   sync.Mutex
	cond   *sync.Cond
	items  []*defs.Frame
	depth  int
	drops  int64
	closed bool
}

func newFrameQueue(depth int) *frameQueue {
	if depth < 1 {
		depth = 1
	}
	q := &frameQueue{
		depth: depth,
	}
	q.cond = sync.NewCond(&q.lock)
	return q
}

// Push never blocks. If the queue is full, the oldest frame is evicted
// and returned, and the drop counter incremented. Returns nil when
// nothing was dropped.
func (q *frameQueue) Push(frame *defs.Frame) *defs.Frame {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		return nil
	}
	var dropped *defs.Frame
	if len(q.items) >= q.depth {
		dropped = q.items[0]
		q.items = q.items[1:]
		q.drops++
	}
	q.items = append(q.items, frame)
	q.cond.Signal()
	return dropped
}

// Pop blocks until a frame is available, the queue is closed, or stop()
// returns true (re-checked whenever Wake is called). The second return is
// false only when the caller should exit.
func (q *frameQueue) Pop(stop func() bool) (*defs.Frame, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for len(q.items) == 0 && !q.closed && !stop() {
		q.cond.Wait()
	}
	if len(q.items) == 0 || stop() {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// SetDepth changes the bound. Shrinking evicts from the head (oldest
// first), counted as drops.
func (q *frameQueue) SetDepth(depth int) {
	if depth < 1 {
		depth = 1
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	q.depth = depth
	for len(q.items) > q.depth {
		q.items = q.items[1:]
		q.drops++
	}
}

func (q *frameQueue) Depth() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.depth
}

func (q *frameQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *frameQueue) Drops() int64 {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.drops
}

// Snapshot returns the queued frames in order, oldest first.
func (q *frameQueue) Snapshot() []*defs.Frame {
	q.lock.Lock()
	defer q.lock.Unlock()
	out := make([]*defs.Frame, len(q.items))
	copy(out, q.items)
	return out
}

// Wake pokes every blocked Pop so it can re-evaluate its stop condition.
func (q *frameQueue) Wake() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.cond.Broadcast()
}

// Close discards any queued frames and releases every blocked Pop.
func (q *frameQueue) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
}
