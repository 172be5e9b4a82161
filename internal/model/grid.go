package model

import (
	"fmt"
	"strconv"
	"strings"
)

// TimeState classifies a grid column relative to the current time column.
type TimeState string

const (
	TimePast    TimeState = "past"
	TimeCurrent TimeState = "current"
	TimeFuture  TimeState = "future"
)

// GridBox is one addressable (priceIndex, timeIndex) cell with its pixel geometry.
// Recomputed every frame; Key is the stable identity across frames.
type GridBox struct {
	Key        string    `json:"key"`
	PriceIndex int64     `json:"priceIndex"`
	TimeIndex  int64     `json:"timeIndex"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	TimeState  TimeState `json:"timeState"`
}

// BoxKey formats the "<priceIndex>:<timeIndex>" identity of a cell.
func BoxKey(priceIndex, timeIndex int64) string {
	return strconv.FormatInt(priceIndex, 10) + ":" + strconv.FormatInt(timeIndex, 10)
}

// ParseBoxKey is the inverse of BoxKey.
func ParseBoxKey(key string) (priceIndex, timeIndex int64, err error) {
	p, t, ok := strings.Cut(key, ":")
	if !ok {
		return 0, 0, fmt.Errorf("box key %q: missing separator", key)
	}
	priceIndex, err = strconv.ParseInt(p, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("box key %q: price index: %w", key, err)
	}
	timeIndex, err = strconv.ParseInt(t, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("box key %q: time index: %w", key, err)
	}
	return priceIndex, timeIndex, nil
}
