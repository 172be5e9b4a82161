package bus

import (
	"sync"

	"pricegrid/internal/model"
)

// Bus handles internal pub/sub of accepted ticks.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan model.Tick
	closed      bool
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make([]chan model.Tick, 0),
	}
}

// Subscribe returns a read-only channel of ticks. It is closed by Close.
func (b *Bus) Subscribe(bufferSize int) <-chan model.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Tick, bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish broadcasts the tick to all subscribers.
// Non-blocking: a full subscriber misses the tick. Returns how many received it.
func (b *Bus) Publish(t model.Tick) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	delivered := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- t:
			delivered++
		default:
			// slow consumer, never block the session
		}
	}
	return delivered
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
