package grid

import (
	"errors"
	"math"
	"sort"

	"pricegrid/internal/model"
)

// =============================================================================
// GRID QUANTIZATION
// =============================================================================
//
// Continuous (price, time) is mapped onto discrete cells:
//
//   priceIndex = floor(price/step + 0.5)          (lines, round half up)
//   cell k     = [(k-1)*step, k*step)
//   timeIndex  = floor(time/interval)
//
// Lines are generated once per axis and sorted by pixel position; cells are the
// cross-product of adjacent line pairs, taking the index of the first line of
// each pair. The per-frame cost is linear in visible lines.
// =============================================================================

// Params describes the viewport and the quantization constants.
type Params struct {
	Width             float64
	Height            float64
	PaddingY          float64
	PriceStep         float64
	VisiblePriceRange float64
	PixelsPerMs       float64
	TimeIntervalMs    int64
	TimeWindowMs      int64
}

// DefaultParams mirrors the chart defaults: 800x300, step 200, 25s window, 5s columns.
func DefaultParams() Params {
	const (
		width, height = 800.0, 300.0
		step          = 200.0
		windowMs      = 25_000
	)
	return Params{
		Width:             width,
		Height:            height,
		PaddingY:          0.05 * height,
		PriceStep:         step,
		VisiblePriceRange: step * 10,
		PixelsPerMs:       width / windowMs,
		TimeIntervalMs:    5_000,
		TimeWindowMs:      windowMs,
	}
}

// Validate rejects parameters that would produce an empty or infinite grid.
func (p Params) Validate() error {
	switch {
	case p.PriceStep <= 0:
		return errors.New("grid: price step must be positive")
	case p.TimeIntervalMs <= 0:
		return errors.New("grid: time interval must be positive")
	case p.TimeWindowMs <= 0:
		return errors.New("grid: time window must be positive")
	case p.VisiblePriceRange <= 0:
		return errors.New("grid: visible price range must be positive")
	case p.Width <= 0 || p.Height <= 0:
		return errors.New("grid: viewport must be non-empty")
	case p.Height-2*p.PaddingY <= 0:
		return errors.New("grid: padding leaves no drawable height")
	}
	return nil
}

// PriceIndex rounds half up. math.Round is not used: it rounds half away from
// zero, which puts negative ties into a different cell than the range formula.
func PriceIndex(price, step float64) int64 {
	return int64(math.Floor(price/step + 0.5))
}

// CellIndex returns the k whose range [(k-1)*step, k*step) contains price.
func CellIndex(price, step float64) int64 {
	return int64(math.Floor(price/step)) + 1
}

// PriceRange returns the half-open price range [low, high) covered by index k.
func PriceRange(k int64, step float64) (low, high float64) {
	return float64(k-1) * step, float64(k) * step
}

// InRange reports whether price falls inside the cell with index k.
func InRange(price float64, k int64, step float64) bool {
	low, high := PriceRange(k, step)
	return price >= low && price < high
}

// TimeIndex floors toward negative infinity, so negative times work too.
func TimeIndex(t, interval int64) int64 {
	q := t / interval
	if t%interval != 0 && (t < 0) != (interval < 0) {
		q--
	}
	return q
}

// StateOf classifies a column against the current column.
func StateOf(timeIndex, currentTimeIndex int64) model.TimeState {
	switch {
	case timeIndex < currentTimeIndex:
		return model.TimePast
	case timeIndex == currentTimeIndex:
		return model.TimeCurrent
	default:
		return model.TimeFuture
	}
}

// PriceLine is a horizontal line at a multiple of the price step.
type PriceLine struct {
	Y          float64 `json:"y"`
	Price      float64 `json:"price"`
	PriceIndex int64   `json:"priceIndex"`
}

// TimeLine is a vertical line at an interval boundary.
type TimeLine struct {
	X         float64 `json:"x"`
	Time      int64   `json:"time"`
	TimeIndex int64   `json:"timeIndex"`
}

// PriceLines returns the price lines around centerPrice sorted by Y (top first).
// Lines span the visible range plus a two-step margin on each side.
func PriceLines(p Params, centerPrice float64) []PriceLine {
	centerY := p.Height / 2
	pixelsPerUnit := (p.Height - 2*p.PaddingY) / p.VisiblePriceRange
	nearest := float64(PriceIndex(centerPrice, p.PriceStep)) * p.PriceStep
	n := int(math.Ceil(p.VisiblePriceRange/p.PriceStep/2)) + 2

	lines := make([]PriceLine, 0, 2*n+1)
	for i := -n; i <= n; i++ {
		price := nearest + float64(i)*p.PriceStep
		lines = append(lines, PriceLine{
			Y:          centerY + (centerPrice-price)*pixelsPerUnit,
			Price:      price,
			PriceIndex: PriceIndex(price, p.PriceStep),
		})
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Y < lines[j].Y })
	return lines
}

// TimeLines returns one line per interval boundary from the start of the
// oldest visible column through one interval past the newest visible time.
func TimeLines(p Params, currentTime int64) []TimeLine {
	centerX := p.Width / 2
	oldest := currentTime - p.TimeWindowMs/2
	newest := currentTime + p.TimeWindowMs/2
	start := TimeIndex(oldest, p.TimeIntervalMs) * p.TimeIntervalMs

	lines := make([]TimeLine, 0, p.TimeWindowMs/p.TimeIntervalMs+3)
	for t := start; t <= newest+p.TimeIntervalMs; t += p.TimeIntervalMs {
		lines = append(lines, TimeLine{
			X:         centerX + float64(t-currentTime)*p.PixelsPerMs,
			Time:      t,
			TimeIndex: TimeIndex(t, p.TimeIntervalMs),
		})
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].X < lines[j].X })
	return lines
}

// Compute builds the visible cells for one frame. Cells lying fully outside the
// viewport are dropped.
func Compute(p Params, centerPrice float64, currentTime int64) []model.GridBox {
	prices := PriceLines(p, centerPrice)
	times := TimeLines(p, currentTime)
	if len(prices) < 2 || len(times) < 2 {
		return nil
	}
	current := TimeIndex(currentTime, p.TimeIntervalMs)

	boxes := make([]model.GridBox, 0, (len(prices)-1)*(len(times)-1))
	for pi := 0; pi < len(prices)-1; pi++ {
		top, bottom := prices[pi].Y, prices[pi+1].Y
		if bottom < 0 || top > p.Height {
			continue
		}
		for ti := 0; ti < len(times)-1; ti++ {
			left, right := times[ti].X, times[ti+1].X
			if right < 0 || left > p.Width {
				continue
			}
			priceIndex := prices[pi].PriceIndex
			timeIndex := times[ti].TimeIndex
			boxes = append(boxes, model.GridBox{
				Key:        model.BoxKey(priceIndex, timeIndex),
				PriceIndex: priceIndex,
				TimeIndex:  timeIndex,
				X:          left,
				Y:          top,
				Width:      right - left,
				Height:     bottom - top,
				TimeState:  StateOf(timeIndex, current),
			})
		}
	}
	return boxes
}

// PriceToY maps a price onto the viewport for the given center price.
func PriceToY(p Params, centerPrice, price float64) float64 {
	pixelsPerUnit := (p.Height - 2*p.PaddingY) / p.VisiblePriceRange
	return p.Height/2 + (centerPrice-price)*pixelsPerUnit
}

// TimeToX maps a timestamp onto the viewport for the given current time.
func TimeToX(p Params, currentTime, t int64) float64 {
	return p.Width/2 + float64(t-currentTime)*p.PixelsPerMs
}
