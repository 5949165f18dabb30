package async

import (
	"context"
	"errors"
	"sync"
)

// ErrTerminated is returned by Pop once the queue has been terminated.
var ErrTerminated = errors.New("queue terminated")

// Queue is an unbounded producer/consumer queue with blocking pop and
// graceful termination. Termination is sticky: it wakes every pending pop
// and makes all future pops return the terminal outcome immediately.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []T
	terminated bool
	wake       chan struct{} // closed and replaced on every state change
}

// NewQueue returns an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{wake: make(chan struct{})}
}

// Add appends one item. It reports whether the item was accepted; items
// added after termination are dropped.
func (q *Queue[T]) Add(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminated {
		return false
	}
	q.items = append(q.items, item)
	q.broadcastLocked()
	return true
}

// AddRange appends items in order, reporting whether they were accepted.
func (q *Queue[T]) AddRange(items []T) bool {
	if len(items) == 0 {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminated {
		return false
	}
	q.items = append(q.items, items...)
	q.broadcastLocked()
	return true
}

func (q *Queue[T]) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Pop blocks until an item is available. It fails with ErrTerminated if the
// queue is (or becomes) terminated, and with ctx.Err on cancellation.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	item, ok, err := q.PopOrTerminate(ctx)
	if err == nil && !ok {
		err = ErrTerminated
	}
	return item, err
}

// PopOrTerminate blocks until an item is available or the queue terminates.
// The terminal outcome is ok == false with a nil error, so callers can tell
// graceful shutdown from failure.
func (q *Queue[T]) PopOrTerminate(ctx context.Context) (item T, ok bool, err error) {
	for {
		q.mu.Lock()
		if q.terminated {
			q.mu.Unlock()
			return item, false, nil
		}
		if len(q.items) > 0 {
			item = q.items[0]
			q.items = q.items[1:]
			if len(q.items) == 0 {
				// wake Join waiters
				q.broadcastLocked()
			}
			q.mu.Unlock()
			return item, true, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return item, false, ctx.Err()
		}
	}
}

// Terminate discards buffered items and wakes every pending pop with the
// terminal outcome.
func (q *Queue[T]) Terminate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.terminated {
		return
	}
	q.terminated = true
	q.items = nil
	q.broadcastLocked()
}

// Join blocks until every added item has been popped or the queue
// terminates.
func (q *Queue[T]) Join(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.terminated || len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
