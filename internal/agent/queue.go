// ABOUTME: Unbounded FIFO handoff between non-blocking producers and a pulling consumer
// ABOUTME: Close is terminal: pending items are discarded and waiters wake up

package agent

import (
	"context"
	"iter"
	"sync"
)

// Queue is an unbounded FIFO. Push never blocks; Next suspends until an item
// arrives, the queue closes, or the context ends.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	// notify is closed and replaced whenever items arrive or the queue closes.
	notify chan struct{}
}

// NewQueue returns an empty, open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{})}
}

// Push appends item. Pushing to a closed queue drops the item.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.wakeLocked()
}

// Next returns the oldest item. ok is false once the queue is closed or ctx is done.
func (q *Queue[T]) Next(ctx context.Context) (item T, ok bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return item, false
		}
		if len(q.items) > 0 {
			item = q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return item, false
		}
	}
}

// All adapts the queue to a single-pass sequence that ends when Next would
// report !ok.
func (q *Queue[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			item, ok := q.Next(ctx)
			if !ok || !yield(item) {
				return
			}
		}
	}
}

// Close ends iteration for every current and future consumer. Idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.wakeLocked()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of items waiting to be consumed.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}
