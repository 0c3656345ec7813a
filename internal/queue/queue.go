// Package queue provides the bounded FIFO hand-off used between pipeline
// stages. Capacity is fixed at construction and deliberately small so that
// queue depth is a leading indicator of a stalled consumer.
package queue

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrFull  = errors.New("queue full")
	ErrEmpty = errors.New("queue empty")
)

// Observer receives notifications when items pass through the queue.
// Callbacks run on the caller's goroutine and must not block; they exist
// for latency accounting and depth reporting, never for control decisions.
type Observer[T any] struct {
	OnPut func(item T)
	OnGet func(item T)
}

// Queue is a fixed-capacity FIFO with blocking-with-timeout semantics.
type Queue[T any] struct {
	ch       chan T
	observer Observer[T]
}

// New creates a queue with the given capacity. Capacity below 1 is
// clamped to 1.
func New[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// NewObserved creates a queue whose put/get operations invoke the given
// observer callbacks.
func NewObserved[T any](capacity int, obs Observer[T]) *Queue[T] {
	q := New[T](capacity)
	q.observer = obs
	return q
}

// Put appends an item, blocking up to timeout if the queue is full.
// Returns ErrFull on timeout.
func (q *Queue[T]) Put(item T, timeout time.Duration) error {
	select {
	case q.ch <- item:
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case q.ch <- item:
		case <-timer.C:
			return ErrFull
		}
	}
	if q.observer.OnPut != nil {
		q.observer.OnPut(item)
	}
	return nil
}

// PutNoWait appends an item without blocking. Returns ErrFull if the
// queue has no free slot.
func (q *Queue[T]) PutNoWait(item T) error {
	select {
	case q.ch <- item:
		if q.observer.OnPut != nil {
			q.observer.OnPut(item)
		}
		return nil
	default:
		return ErrFull
	}
}

// Get removes the oldest item, blocking up to timeout if the queue is
// empty. Returns ErrEmpty on timeout.
func (q *Queue[T]) Get(timeout time.Duration) (T, error) {
	select {
	case item := <-q.ch:
		if q.observer.OnGet != nil {
			q.observer.OnGet(item)
		}
		return item, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case item := <-q.ch:
		if q.observer.OnGet != nil {
			q.observer.OnGet(item)
		}
		return item, nil
	case <-timer.C:
		var zero T
		return zero, ErrEmpty
	}
}

// Len returns the approximate number of queued items. The value is
// race-tolerant and used only for health reporting.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
