package clock

import (
	"context"
	"time"
)

// DefaultInterval is roughly one display refresh at 30fps.
const DefaultInterval = 33 * time.Millisecond

// Clock emits a strictly increasing stream of epoch-ms timestamps.
// It drives recomputation even when no price arrives, so cells age from
// current to past purely because time passes.
type Clock struct {
	interval time.Duration
	now      func() time.Time
	last     int64
}

// New creates a Clock ticking every interval. A non-positive interval uses DefaultInterval.
func New(interval time.Duration) *Clock {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Clock{interval: interval, now: time.Now}
}

// Run starts ticking until ctx is done and closes the channel afterwards.
// Run may be called again after a previous run ended; values keep increasing
// across runs. Slow receivers miss ticks instead of queueing them.
func (c *Clock) Run(ctx context.Context) <-chan int64 {
	out := make(chan int64, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v := c.Next()
				select {
				case out <- v:
				default:
				}
			}
		}
	}()
	return out
}

// Next returns the next timestamp. If the wall clock has not advanced past the
// previous value, previous+1 is returned. Not safe for concurrent callers.
func (c *Clock) Next() int64 {
	v := c.now().UnixMilli()
	if v <= c.last {
		v = c.last + 1
	}
	c.last = v
	return v
}
