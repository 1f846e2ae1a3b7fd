package containers

import (
	"sync"

	"github.com/edwingeng/deque/v2"
)

// SliceQueue is a thread-safe, unbounded FIFO queue. The zero value is not
// usable, use NewSliceQueue.
type SliceQueue[T any] struct {
	mu sync.Mutex
	dq *deque.Deque[T]

	// C is a signal channel for non-empty state. It is written to
	// non-blockingly on Add, so consumers must drain the queue after each
	// receive rather than assume one signal per element.
	C chan struct{}
}

// NewSliceQueue creates a new SliceQueue.
func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		dq: deque.NewDeque[T](),
		C:  make(chan struct{}, 1),
	}
}

// Add pushes an element to the back of the queue.
func (q *SliceQueue[T]) Add(elem T) {
	q.mu.Lock()
	q.dq.PushBack(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes the element at the front of the queue, if any.
func (q *SliceQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dq.TryPopFront()
}

// Peek returns the element at the front of the queue without removing it.
func (q *SliceQueue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dq.IsEmpty() {
		var zero T
		return zero, false
	}
	elem, _ := q.dq.Front()
	return elem, true
}

// Size returns the number of elements currently in the queue.
func (q *SliceQueue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.dq.Len()
}
