// Package buffer provides a bounded ring buffer that drops the oldest entry
// when full.
package buffer

import "sync"

// Ring is a bounded, thread-safe FIFO. When full, Enqueue drops the oldest
// element to make room for the new one.
type Ring[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int

	dropped int64
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Enqueue adds v, dropping the oldest element if necessary. It returns the
// dropped element and true when a drop happened.
func (r *Ring[T]) Enqueue(v T) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted T
	dropped := false
	if r.count >= r.capacity {
		evicted = r.items[r.tail]
		r.items[r.tail] = *new(T)
		r.tail = (r.tail + 1) % r.capacity
		r.count--
		r.dropped++
		dropped = true
	}

	r.items[r.head] = v
	r.head = (r.head + 1) % r.capacity
	r.count++
	return evicted, dropped
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		var zero T
		return zero, false
	}
	return r.items[r.tail], true
}

// Pop removes and returns the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.count--
	return v, true
}

// Snapshot copies the buffered elements, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.items[(r.tail+i)%r.capacity]
	}
	return out
}

// Len returns the current number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Dropped returns the total number of evicted elements.
func (r *Ring[T]) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
