package dsp

import (
	"fmt"
	"math"
	"slices"
)

const (
	DefaultNoiseWindows       = 200
	DefaultNoisePercentile    = 20.0
	DefaultTriggerDBOverFloor = 8.0
)

// NoiseFloor keeps the most recent RMS levels and estimates the floor as a
// low percentile of them. A floor of exactly zero gives a zero threshold, so
// any energy at all triggers.
type NoiseFloor struct {
	history    []float64 // ring of the last len(history) observations
	next       int
	count      int
	percentile float64
	ratio      float64 // 10^(dB/20)

	sorted []float64
}

// NewNoiseFloor creates a tracker holding the given number of windows
func NewNoiseFloor(windows int, percentile, dBOverFloor float64) (*NoiseFloor, error) {
	if windows <= 0 {
		return nil, fmt.Errorf("noise windows must be positive: %d", windows)
	}
	if percentile < 0 || percentile > 100 {
		return nil, fmt.Errorf("noise percentile must be between 0 and 100: %g given", percentile)
	}

	return &NoiseFloor{
		history:    make([]float64, windows),
		percentile: percentile,
		ratio:      math.Pow(10, dBOverFloor/20),
		sorted:     make([]float64, windows),
	}, nil
}

// Observe adds a level, evicting the oldest once the history is full
func (n *NoiseFloor) Observe(v float64) {
	n.history[n.next] = v
	n.next = (n.next + 1) % len(n.history)
	if n.count < len(n.history) {
		n.count++
	}
}

// Len returns the number of levels held
func (n *NoiseFloor) Len() int {
	return n.count
}

// Warm returns true once the history is full
func (n *NoiseFloor) Warm() bool {
	return n.count == len(n.history)
}

// Floor returns the configured percentile of the full history, interpolated
// linearly between the two closest ranks. It reports false while the tracker
// is cold.
func (n *NoiseFloor) Floor() (float64, bool) {
	if !n.Warm() {
		return 0, false
	}

	copy(n.sorted, n.history)
	slices.Sort(n.sorted)

	return percentile(n.sorted, n.percentile), true
}

// percentile of sorted values at rank p/100*(len-1)
func percentile(sorted []float64, p float64) float64 {
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}

	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

// Threshold returns floor * 10^(dBOverFloor/20) and the floor it is based on
func (n *NoiseFloor) Threshold() (threshold, floor float64, ok bool) {
	floor, ok = n.Floor()
	if !ok {
		return 0, 0, false
	}
	return floor * n.ratio, floor, true
}

// Reset empties the history
func (n *NoiseFloor) Reset() {
	n.next = 0
	n.count = 0
}
