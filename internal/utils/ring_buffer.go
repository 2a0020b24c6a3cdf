package utils

import "sync"

// RingBuffer is a fixed-size buffer holding the most recent elements of type T.
// Pushing into a full buffer evicts the oldest element. Elements are kept in
// arrival order, oldest first. All methods are safe for concurrent use.
//
// Example:
//
//	rb := NewRingBuffer[int](3)
//	rb.Push(1)
//	rb.Push(2)
//	rb.Push(3)
//	rb.Push(4) // 1 is evicted
//	fmt.Println(rb.ToSlice()) // [2 3 4]
type RingBuffer[T any] struct {
	data    []T // backing array
	size    int // capacity
	count   int // number of stored elements
	head    int // index of the oldest element
	tail    int // index of the next write
	evicted int // number of elements dropped because the buffer was full
	mu      sync.RWMutex
}

// NewRingBuffer creates a buffer holding at most size elements.
// It panics when size is not positive.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		panic("ring buffer size must be positive")
	}
	return &RingBuffer[T]{
		data: make([]T, size),
		size: size,
	}
}

// Push appends item, evicting the oldest element when the buffer is full.
func (rb *RingBuffer[T]) Push(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
		rb.evicted++
	}
}

// Len returns the number of stored elements, in [0, Cap()].
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer[T]) Cap() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Evicted returns how many elements were pushed out by newer ones.
func (rb *RingBuffer[T]) Evicted() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.evicted
}

// ToSlice returns a copy of the stored elements, oldest first. An empty
// buffer yields an empty, non-nil slice.
func (rb *RingBuffer[T]) ToSlice() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	result := make([]T, rb.count)
	for i := 0; i < rb.count; i++ {
		result[i] = rb.data[(rb.head+i)%rb.size]
	}
	return result
}
