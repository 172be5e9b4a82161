package smooth

import "math"

// Smoother is a time-based exponential moving average of the latest price.
//
// The decay depends on elapsed milliseconds, not on the number of updates:
//
//	alpha = 1 - exp(-dt / smoothingMs)
//	value = value + (latest - value) * alpha
//
// so irregular feed rates converge at the same speed. Not safe for concurrent
// use; the session goroutine owns it.
type Smoother struct {
	smoothingMs float64
	value       float64
	lastTime    int64
	set         bool
}

// New creates a Smoother with the given time constant. A non-positive constant
// disables smoothing (every update snaps to the latest price).
func New(smoothingMs float64) *Smoother {
	return &Smoother{smoothingMs: smoothingMs}
}

// Update folds latest into the average at time now and returns the result.
// The first call initializes to latest.
func (s *Smoother) Update(latest float64, now int64) float64 {
	if !s.set {
		s.value = latest
		s.lastTime = now
		s.set = true
		return s.value
	}

	dt := float64(now - s.lastTime)
	if dt < 0 {
		dt = 0
	}
	s.lastTime = now

	if s.smoothingMs <= 0 {
		s.value = latest
		return s.value
	}
	alpha := 1 - math.Exp(-dt/s.smoothingMs)
	s.value += (latest - s.value) * alpha
	return s.value
}

// Value returns the current smoothed price and whether it has been initialized.
func (s *Smoother) Value() (float64, bool) {
	return s.value, s.set
}

// Reset forgets the average. The next Update re-initializes it.
func (s *Smoother) Reset() {
	s.value = 0
	s.lastTime = 0
	s.set = false
}
