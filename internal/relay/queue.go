package relay

import "sync"

// Queue is an unbounded FIFO safe for one producer and one consumer running
// on different goroutines. It never blocks and applies no backpressure; the
// producer rate is bounded by the match tick rate.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int
}

// NewQueue creates an empty Queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends v to the tail.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, v)
}

// Pop removes and returns the head.
//
// Postcondition: Returns (head, true), or (zero, false) when empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head >= len(q.items) {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	// Compact once the consumed prefix dominates the backing array.
	if q.head >= 32 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v, true
}

// PopFunc pops entries until keep reports true for one, discarding the rest.
//
// Postcondition: Returns (entry, true) for the first kept entry, or (zero, false) when exhausted.
func (q *Queue[T]) PopFunc(keep func(T) bool) (T, bool) {
	for {
		v, ok := q.Pop()
		if !ok || keep(v) {
			return v, ok
		}
	}
}

// Len returns the number of buffered entries.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Drain removes and returns all buffered entries in order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := append([]T(nil), q.items[q.head:]...)
	q.items = nil
	q.head = 0
	return out
}

// Clear discards all buffered entries and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items) - q.head
	q.items = nil
	q.head = 0
	return n
}
