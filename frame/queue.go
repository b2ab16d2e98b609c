package frame

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by PopWait after Close once drained.
var ErrQueueClosed = errors.New("frame queue closed")

// Queue is the bounded admission queue between ingest and the processor.
// Pop order is descending priority with older frames first on ties. When
// full, pushing evicts the lowest-priority entry so the queue always prefers
// fresh, high-value frames under pressure.
//
// Single writer (ingest), single reader (processor); the mutex also covers
// occasional size queries from the stats path.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    frameHeap
	capacity int
	closed   bool
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	q := &Queue{
		capacity: capacity,
		items:    make(frameHeap, 0, capacity),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push inserts a frame. If the queue is full, the lowest-priority entry
// (oldest on ties) is removed first and returned so the caller can count the
// drop. Returns nil when nothing was evicted.
func (q *Queue) Push(f *Frame) *Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return f
	}

	var evicted *Frame
	if len(q.items) >= q.capacity {
		evicted = q.evictLowest()
	}
	heap.Push(&q.items, f)
	q.notEmpty.Signal()
	return evicted
}

// PopWait blocks until a frame is available, the context is cancelled, or
// the queue is closed and drained. Frames come out highest-priority first.
func (q *Queue) PopWait(ctx context.Context) (*Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.notEmpty.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(q.items) == 0 {
		return nil, ErrQueueClosed
	}
	return heap.Pop(&q.items).(*Frame), nil
}

// Len returns the current number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes all waiters. Remaining frames can still be popped; further
// pushes are rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
}

// evictLowest removes the minimum-priority frame. Linear scan: the heap is
// ordered for fast pop of the maximum, and capacity stays small. Caller
// holds q.mu.
func (q *Queue) evictLowest() *Frame {
	lowest := 0
	for i := 1; i < len(q.items); i++ {
		if evictBefore(q.items[i], q.items[lowest]) {
			lowest = i
		}
	}
	return heap.Remove(&q.items, lowest).(*Frame)
}

// evictBefore reports whether a should be evicted before b.
func evictBefore(a, b *Frame) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Timestamp.Before(b.Timestamp)
}

// frameHeap is a max-heap on priority; ties pop the older frame first.
type frameHeap []*Frame

func (h frameHeap) Len() int { return len(h) }

func (h frameHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Timestamp.Before(h[j].Timestamp)
}

func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) { *h = append(*h, x.(*Frame)) }

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
