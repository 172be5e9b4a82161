package model

// PricePoint is a single normalized feed update.
// Time is epoch milliseconds regardless of the upstream unit.
type PricePoint struct {
	Price float64 `json:"price"`
	Time  int64   `json:"time"`
}

// Tick tags a PricePoint with the instrument it belongs to.
// Published on the internal bus after the session accepts it.
type Tick struct {
	Symbol string
	Point  PricePoint
}
