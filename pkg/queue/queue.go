// Package queue provides an unbounded, goroutine-safe FIFO with a blocking
// receive.
//
// Producers never wait on consumers: [Queue.Push] only takes a short lock.
// Consumers block in [Queue.Pop] until an item arrives or their context ends;
// there is no polling interval.
package queue

import (
	"context"
	"sync"
)

// Queue is an unbounded first-in first-out queue. The zero value is not
// usable; create queues with [New].
type Queue[T any] struct {
	mu    sync.Mutex
	items []T

	// ready holds at most one token. It is signalled whenever the queue
	// transitions to (or stays) non-empty so a blocked consumer wakes up.
	ready chan struct{}
}

// New returns an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{ready: make(chan struct{}, 1)}
}

// Push appends v to the tail of the queue. It never blocks on consumers.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// Pop removes and returns the head of the queue, waiting until an item is
// available. It returns ctx.Err() if ctx is done first; no item is consumed
// in that case.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop removes and returns the head of the queue without waiting. ok is
// false when the queue is empty.
func (q *Queue[T]) TryPop() (v T, ok bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	remaining := len(q.items)
	if remaining == 0 {
		// Drop the backing array so a long-lived queue does not pin memory.
		q.items = nil
	}
	q.mu.Unlock()

	// Another consumer may be parked while items remain; pass the token on.
	if remaining > 0 {
		q.signal()
	}
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
