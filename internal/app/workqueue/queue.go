// Package workqueue provides the shared work distribution primitives for the
// sweep and inventory refresh engines: an ack-tracked queue, an error budget
// governor, and a bounded worker pool.
package workqueue

import (
	"sync"
	"time"
)

// Queue is a bounded, ack-tracked work queue. Every pushed item holds a
// lease until a worker either acks it or requeues it; Join only unblocks once
// all leases are released, so a retried item can never be observed as
// drained while it is in flight.
type Queue[T any] struct {
	items chan T

	mu          sync.Mutex
	outstanding int
	drained     *sync.Cond
}

// NewQueue creates a queue with the given capacity. Capacity must cover the
// maximum number of simultaneously pushed items; for a sweep that is the
// resolved host count, which requeues never exceed.
func NewQueue[T any](capacity int) *Queue[T] {
	q := &Queue[T]{items: make(chan T, capacity)}
	q.drained = sync.NewCond(&q.mu)
	return q
}

// Push adds an item and takes a lease for it. It reports false when the
// queue is at capacity; pushes never block.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	q.outstanding++
	q.mu.Unlock()

	select {
	case q.items <- item:
		return true
	default:
		q.release()
		return false
	}
}

// Pop removes an item, blocking up to timeout. The second return is false
// when the timeout elapsed with nothing available. The item's lease stays
// held by the caller until Ack or Requeue.
func (q *Queue[T]) Pop(timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case item := <-q.items:
		return item, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// Ack releases the lease for one previously popped item.
func (q *Queue[T]) Ack() { q.release() }

// Requeue returns a popped item to the queue after the given delay without
// releasing its lease. The reserved capacity of the lease guarantees the
// delayed send cannot block.
func (q *Queue[T]) Requeue(item T, delay time.Duration) {
	if delay <= 0 {
		q.items <- item
		return
	}
	time.AfterFunc(delay, func() { q.items <- item })
}

// Size returns the number of items currently waiting in the queue. Leased
// items are not counted.
func (q *Queue[T]) Size() int { return len(q.items) }

// Idle reports whether every pushed item has been acked.
func (q *Queue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding == 0
}

// Join blocks until every pushed item has been popped and acked.
func (q *Queue[T]) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.outstanding > 0 {
		q.drained.Wait()
	}
}

func (q *Queue[T]) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding--
	if q.outstanding == 0 {
		q.drained.Broadcast()
	}
}
