// Package safequeue provides a generic FIFO queue that is safe for concurrent
// producers and consumers. It backs every cross-goroutine handoff in linenet:
// inbound events drained by a driver tick and outbound lines drained by a
// writer loop.
package safequeue

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
)

// Queue is a concurrency-safe FIFO queue. Items are dequeued in the order they
// were enqueued. The zero value is not usable; create queues with New.
//
// Queue must not be copied after first use.
type Queue[T any] struct {
	mu     sync.Mutex
	items  deque.Deque[T]
	signal chan struct{}
}

// New returns an empty Queue ready for use.
//
// Returns:
//   - A pointer to a new Queue[T]
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Enqueue appends v to the tail of the queue. It never blocks.
//
// Parameters:
//   - v: The item to append
func (q *Queue[T]) Enqueue(v T) {
	q.mu.Lock()
	q.items.PushBack(v)
	q.mu.Unlock()

	q.notify()
}

// TryDequeue removes and returns the head of the queue without blocking.
//
// Returns:
//   - The head item, or the zero value of T if the queue is empty
//   - true if an item was removed, false otherwise
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		var zero T
		return zero, false
	}

	return q.items.PopFront(), true
}

// Dequeue removes and returns the head of the queue, blocking until an item is
// available or ctx is done.
//
// Parameters:
//   - ctx: Context that aborts the wait when cancelled
//
// Returns:
//   - The head item
//   - ctx.Err() if the context ended before an item became available
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryDequeue(); ok {
			// another consumer may be parked on the signal
			if q.Len() > 0 {
				q.notify()
			}

			return v, nil
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Clear drops every queued item.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items.Clear()
	q.mu.Unlock()
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
