// Package buffer provides the fixed-capacity FIFO history kept per channel.
package buffer

// DefaultCapacity is the number of samples retained per channel.
const DefaultCapacity = 100

// Ring is a bounded FIFO. Appending to a full ring evicts the oldest item.
// Ring is not safe for concurrent use; the owner serializes access.
type Ring[T any] struct {
	items []T
	head  int // index of the oldest item
	size  int
}

// New creates a ring holding at most capacity items. A non-positive capacity
// falls back to DefaultCapacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Append adds v as the newest item, dropping the oldest when full.
func (r *Ring[T]) Append(v T) {
	c := len(r.items)
	if r.size < c {
		r.items[(r.head+r.size)%c] = v
		r.size++
		return
	}
	r.items[r.head] = v
	r.head = (r.head + 1) % c
}

// Latest returns the newest item.
func (r *Ring[T]) Latest() (T, bool) {
	if r.size == 0 {
		var zero T
		return zero, false
	}
	return r.items[(r.head+r.size-1)%len(r.items)], true
}

// Snapshot returns a copy of the contents, oldest first.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, r.size)
	c := len(r.items)
	for i := 0; i < r.size; i++ {
		out[i] = r.items[(r.head+i)%c]
	}
	return out
}

// Reset replaces the contents with the newest Cap() items of seed.
func (r *Ring[T]) Reset(seed []T) {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head, r.size = 0, 0
	if over := len(seed) - len(r.items); over > 0 {
		seed = seed[over:]
	}
	for _, v := range seed {
		r.Append(v)
	}
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the maximum number of items held.
func (r *Ring[T]) Cap() int { return len(r.items) }
