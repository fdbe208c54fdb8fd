package transport

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO that never blocks the producer: pushing onto a
// full queue drops the oldest item. The consumer blocks in Pop.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	size    int
	ready   chan struct{}
	closed  bool
	dropped uint64
}

// NewQueue creates a queue holding at most depth items.
func NewQueue[T any](depth int) *Queue[T] {
	return &Queue[T]{
		items: make([]T, max(depth, 1)),
		ready: make(chan struct{}, 1),
	}
}

// Push appends v. When the queue was full the oldest item is removed and
// returned with ok set. After Close, v itself is returned.
func (q *Queue[T]) Push(v T) (evicted T, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return v, true
	}
	if q.size == len(q.items) {
		evicted, ok = q.items[q.head], true
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % len(q.items)
		q.size--
		q.dropped++
	}
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return evicted, ok
}

// Pop removes the oldest item, blocking until one is available, the queue
// is closed or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			v := q.items[q.head]
			var zero T
			q.items[q.head] = zero
			q.head = (q.head + 1) % len(q.items)
			q.size--
			more := q.size > 0
			q.mu.Unlock()
			if more {
				select {
				case q.ready <- struct{}{}:
				default:
				}
			}
			return v, nil
		}
		closed := q.closed
		q.mu.Unlock()

		var zero T
		if closed {
			return zero, ErrClosed
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns how many items were evicted so far.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes the consumer; queued items are discarded and later pushes
// are rejected.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	clear(q.items)
	q.size = 0
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
