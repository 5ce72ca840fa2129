package queue

import (
	"sync"
	"time"
)

// SyncQueue is a FIFO safe for concurrent producers and consumers. Dequeue
// blocks until an item arrives, the timeout passes or the queue is
// interrupted.
type SyncQueue[T any] struct {
	mu          sync.Mutex
	items       []T
	signal      chan struct{}
	interrupt   chan struct{}
	interrupted bool
}

func NewSyncQueue[T any]() *SyncQueue[T] {
	return &SyncQueue[T]{
		signal:    make(chan struct{}, 1),
		interrupt: make(chan struct{}),
	}
}

// Len returns the number of queued items.
func (q *SyncQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns the head without removing it.
func (q *SyncQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// Items returns a copy of the queued items in order.
func (q *SyncQueue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]T(nil), q.items...)
}

// Enqueue appends item and wakes one waiter.
func (q *SyncQueue[T]) Enqueue(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Dequeue removes the head. A negative timeout waits forever. It returns
// false on timeout or while the queue is interrupted.
func (q *SyncQueue[T]) Dequeue(timeout time.Duration) (T, bool) {
	var zero T
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		q.mu.Lock()
		if q.interrupted {
			q.mu.Unlock()
			return zero, false
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// pass the wake-up on to the next waiter
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return item, true
		}
		interrupt := q.interrupt
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-interrupt:
			return zero, false
		case <-expired:
			return zero, false
		}
	}
}

// Interrupt releases every waiter and makes Dequeue fail until Uninterrupt.
func (q *SyncQueue[T]) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.interrupted {
		return
	}
	q.interrupted = true
	close(q.interrupt)
}

// Uninterrupt re-arms the queue after Interrupt.
func (q *SyncQueue[T]) Uninterrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.interrupted {
		return
	}
	q.interrupted = false
	q.interrupt = make(chan struct{})
}

// Clear drops every queued item.
func (q *SyncQueue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
