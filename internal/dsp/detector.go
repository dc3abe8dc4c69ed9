package dsp

import (
	"fmt"

	"github.com/roman-kulish/burst-capture/internal/sdr"
)

// Config holds the detector parameters in samples
type Config struct {
	Window       int     // energy window length
	Hop          int     // energy hop length
	NoiseWindows int     // noise floor history depth
	Percentile   float64 // noise floor percentile, 0-100
	DBOverFloor  float64 // trigger level above the floor
}

// Decision is the trigger outcome for one chunk
type Decision struct {
	Hit       bool    // some window exceeded the threshold while warm
	Windows   int     // windows completed by the chunk
	Peak      float64 // highest window RMS in the chunk
	Floor     float64 // last floor estimate, valid when Warm
	Threshold float64 // last threshold, valid when Warm
	Warm      bool
}

// Detector decodes chunks, estimates windowed energy and decides whether a
// chunk carries a burst. Windows are fed to the noise floor one by one and each
// is compared against the threshold computed after observing it.
type Detector struct {
	format    sdr.Format
	estimator *Estimator
	floor     *NoiseFloor

	magSq   []float64
	windows []PowerWindow
}

func NewDetector(format sdr.Format, config Config) (*Detector, error) {
	if format.BytesPerSample() == 0 {
		return nil, fmt.Errorf("unsupported sample format: %s", format)
	}

	estimator, err := NewEstimator(config.Window, config.Hop)
	if err != nil {
		return nil, fmt.Errorf("error creating energy estimator: %w", err)
	}

	floor, err := NewNoiseFloor(config.NoiseWindows, config.Percentile, config.DBOverFloor)
	if err != nil {
		return nil, fmt.Errorf("error creating noise floor tracker: %w", err)
	}

	return &Detector{format: format, estimator: estimator, floor: floor}, nil
}

// Evaluate processes the chunk and returns the trigger decision
func (d *Detector) Evaluate(chunk sdr.Chunk) Decision {
	d.magSq = d.format.MagnitudeSquared(chunk.Data, d.magSq[:0])
	d.windows = d.estimator.Process(d.magSq, d.windows[:0])

	decision := Decision{Windows: len(d.windows)}

	for _, w := range d.windows {
		d.floor.Observe(w.RMS)
		decision.Peak = max(decision.Peak, w.RMS)

		threshold, floor, ok := d.floor.Threshold()
		if !ok {
			continue
		}

		decision.Warm = true
		decision.Floor = floor
		decision.Threshold = threshold

		if w.RMS > threshold {
			decision.Hit = true
		}
	}

	if len(d.windows) == 0 {
		decision.Threshold, decision.Floor, decision.Warm = d.floor.Threshold()
	}

	return decision
}

// Warm returns true once the noise floor history is full
func (d *Detector) Warm() bool {
	return d.floor.Warm()
}

// Floor returns the current noise floor estimate
func (d *Detector) Floor() (float64, bool) {
	return d.floor.Floor()
}

// Reset returns the detector to its cold initial state
func (d *Detector) Reset() {
	d.estimator.Reset()
	d.floor.Reset()
}
