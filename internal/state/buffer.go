package state

import (
	"sync"

	"pricegrid/internal/model"
)

// DefaultMaxPoints is the chart's sliding window size.
const DefaultMaxPoints = 100

// PriceBuffer is a fixed-size circular buffer of recent price points.
// Oldest points are evicted first. Written by the session goroutine and read
// by the broadcaster when a client needs history.
type PriceBuffer struct {
	data     []model.PricePoint
	capacity int
	head     int // index of the next write
	size     int
	mu       sync.RWMutex
}

// NewPriceBuffer creates a buffer holding up to capacity points.
func NewPriceBuffer(capacity int) *PriceBuffer {
	if capacity <= 0 {
		capacity = DefaultMaxPoints
	}
	return &PriceBuffer{
		data:     make([]model.PricePoint, capacity),
		capacity: capacity,
	}
}

// AddPoint appends a point, evicting the oldest when full, and returns a copy
// of the contents in insertion order.
func (b *PriceBuffer) AddPoint(price float64, t int64) []model.PricePoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data[b.head] = model.PricePoint{Price: price, Time: t}
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
	return b.snapshot()
}

// Points returns a copy of the contents, oldest first.
func (b *PriceBuffer) Points() []model.PricePoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot()
}

// Latest returns the newest point.
func (b *PriceBuffer) Latest() (model.PricePoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return model.PricePoint{}, false
	}
	return b.data[(b.head-1+b.capacity)%b.capacity], true
}

// Len returns the number of stored points.
func (b *PriceBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Cap returns the capacity.
func (b *PriceBuffer) Cap() int {
	return b.capacity
}

// Clear empties the buffer.
func (b *PriceBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.head = 0
	b.size = 0
}

// snapshot must be called with the lock held.
func (b *PriceBuffer) snapshot() []model.PricePoint {
	out := make([]model.PricePoint, 0, b.size)
	if b.size < b.capacity {
		// not wrapped yet: 0 .. head-1
		return append(out, b.data[:b.head]...)
	}
	// full: head is the oldest
	out = append(out, b.data[b.head:]...)
	return append(out, b.data[:b.head]...)
}
