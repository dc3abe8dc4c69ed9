package dsp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// MinWindowSamples and MinHopSamples are the lower bounds applied when
	// window and hop lengths are derived from durations
	MinWindowSamples = 256
	MinHopSamples    = 128
)

// PowerWindow is the RMS level of one window of complex samples
type PowerWindow struct {
	Offset int64   // absolute index of the first sample in the window, counted from the last Reset
	RMS    float64 // sqrt(mean(|x|^2)), linear
}

// WindowSamples converts a duration in seconds to a window length in samples,
// never less than MinWindowSamples
func WindowSamples(seconds, sampleRate float64) int {
	return max(MinWindowSamples, int(seconds*sampleRate))
}

// HopSamples converts a duration in seconds to a hop length in samples, never
// less than MinHopSamples
func HopSamples(seconds, sampleRate float64) int {
	return max(MinHopSamples, int(seconds*sampleRate))
}

// Estimator turns a stream of |x|^2 values into windowed RMS levels. Samples
// left over at the end of one call are carried into the next, so windows stay
// aligned to absolute sample position across chunk boundaries.
type Estimator struct {
	window int
	hop    int

	carry  []float64 // pending values, carry[0] is at absolute index offset
	offset int64
	prefix []float64
}

func NewEstimator(window, hop int) (*Estimator, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive: %d", window)
	}
	if hop <= 0 || hop > window {
		return nil, fmt.Errorf("hop must be between 1 and window length %d: %d given", window, hop)
	}

	return &Estimator{
		window: window,
		hop:    hop,
		carry:  make([]float64, 0, window),
	}, nil
}

func (e *Estimator) Window() int { return e.window }
func (e *Estimator) Hop() int    { return e.hop }

// Pending returns the number of carried samples not yet covered by a window
func (e *Estimator) Pending() int {
	return len(e.carry)
}

// Reset drops carried samples and restarts the absolute sample count
func (e *Estimator) Reset() {
	e.carry = e.carry[:0]
	e.offset = 0
}

// Process appends the windows completed by magSq to dst and returns it
func (e *Estimator) Process(magSq []float64, dst []PowerWindow) []PowerWindow {
	buf := append(e.carry, magSq...)
	n := len(buf)

	if n < e.window {
		e.carry = buf
		return dst
	}

	if cap(e.prefix) < n+1 {
		e.prefix = make([]float64, n+1)
	}
	prefix := e.prefix[:n+1]
	prefix[0] = 0
	floats.CumSum(prefix[1:], buf)

	w := float64(e.window)
	start := 0
	for ; start+e.window <= n; start += e.hop {
		sum := prefix[start+e.window] - prefix[start]
		dst = append(dst, PowerWindow{
			Offset: e.offset + int64(start),
			RMS:    math.Sqrt(max(sum, 0) / w),
		})
	}

	// start is the first window not yet complete; start <= n since hop <= window
	e.carry = append(e.carry[:0], buf[start:]...)
	e.offset += int64(start)

	return dst
}
