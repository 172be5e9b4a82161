package lifecycle

import (
	"slices"

	"pricegrid/internal/grid"
	"pricegrid/internal/model"
)

// Kind is the type of a cell event.
type Kind string

const (
	Activated Kind = "activated"
	Expired   Kind = "expired"
)

// Event reports that a cell was hit or rolled into the past untouched.
type Event struct {
	Kind Kind          `json:"kind"`
	Box  model.GridBox `json:"box"`
}

// Engine decides once per cell whether the price hit it.
//
// Per frame:
//   - current, not yet activated, price inside the cell range -> activated
//   - previously current, now past, never activated           -> expired
//   - keys that left the visible set are forgotten
//
// For any key at most one of the two events is ever emitted while it stays
// visible. Not safe for concurrent use.
type Engine struct {
	priceStep float64
	activated map[string]struct{}
	prevState map[string]model.TimeState
	seen      map[string]struct{}

	// Optional hooks, called synchronously from Process.
	OnActivated func(model.GridBox)
	OnExpired   func(model.GridBox)
}

// New creates an Engine for cells of the given price step.
func New(priceStep float64) *Engine {
	return &Engine{
		priceStep: priceStep,
		activated: make(map[string]struct{}),
		prevState: make(map[string]model.TimeState),
		seen:      make(map[string]struct{}),
	}
}

// Process evaluates one frame and returns the events it produced, in box order.
func (e *Engine) Process(boxes []model.GridBox, price float64) []Event {
	var events []Event
	clear(e.seen)

	for _, box := range boxes {
		e.seen[box.Key] = struct{}{}
		prev, hadPrev := e.prevState[box.Key]
		_, isActive := e.activated[box.Key]

		if box.TimeState == model.TimeCurrent && !isActive &&
			grid.InRange(price, box.PriceIndex, e.priceStep) {
			e.activated[box.Key] = struct{}{}
			isActive = true
			events = append(events, Event{Kind: Activated, Box: box})
			if e.OnActivated != nil {
				e.OnActivated(box)
			}
		}

		if hadPrev && prev == model.TimeCurrent && box.TimeState == model.TimePast && !isActive {
			events = append(events, Event{Kind: Expired, Box: box})
			if e.OnExpired != nil {
				e.OnExpired(box)
			}
		}

		e.prevState[box.Key] = box.TimeState
	}

	for key := range e.prevState {
		if _, ok := e.seen[key]; !ok {
			delete(e.prevState, key)
			delete(e.activated, key)
		}
	}
	return events
}

// Reset forgets every cell. Used when the instrument changes.
func (e *Engine) Reset() {
	clear(e.activated)
	clear(e.prevState)
}

// IsActivated reports whether key has been hit.
func (e *Engine) IsActivated(key string) bool {
	_, ok := e.activated[key]
	return ok
}

// Activated returns the activated keys, sorted.
func (e *Engine) Activated() []string {
	out := make([]string, 0, len(e.activated))
	for k := range e.activated {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Tracked returns how many cells have a recorded state.
func (e *Engine) Tracked() int {
	return len(e.prevState)
}
