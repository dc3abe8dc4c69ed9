package scanner

import (
	"time"

	"github.com/roman-kulish/burst-capture/internal/dsp"
	"github.com/roman-kulish/burst-capture/internal/sdr/driver"
)

const DefaultMaxConsecutiveFailures = 5

// EU868Channels is the default channel plan: the LoRaWAN EU868 uplink channels
var EU868Channels = []int64{
	868_100_000, 868_300_000, 868_500_000,
	867_100_000, 867_300_000, 867_500_000, 867_700_000, 867_900_000,
}

// Plan is the ordered list of center frequencies visited on every pass
type Plan struct {
	Channels []int64
	Dwell    time.Duration // time spent on each channel per pass
	Passes   int           // 0 scans until cancelled
	Settle   time.Duration // wait after each retune, samples are dropped
}

func (p *Plan) Validate() error {
	if len(p.Channels) == 0 {
		return driver.NewConfigError("scanner.Plan", "at least one channel is required")
	}
	for _, ch := range p.Channels {
		if ch <= 0 {
			return driver.NewConfigError("scanner.Plan", "channel frequency must be positive: %d", ch)
		}
	}
	if p.Dwell <= 0 {
		return driver.NewConfigError("scanner.Plan", "dwell must be positive: %s", p.Dwell)
	}
	if p.Passes < 0 {
		return driver.NewConfigError("scanner.Plan", "passes must not be negative: %d", p.Passes)
	}
	if p.Settle < 0 {
		return driver.NewConfigError("scanner.Plan", "settle must not be negative: %s", p.Settle)
	}
	return nil
}

// Params are the detection and capture parameters, in complex samples
type Params struct {
	Window       int
	Hop          int
	NoiseWindows int
	Percentile   float64
	DBOverFloor  float64

	PreRoll    int64
	PostRoll   int64
	MaxCapture int64

	ReadSize    int           // samples requested per read
	ReadTimeout time.Duration // a read returning nothing within this is retried
}

func (p *Params) Validate() error {
	switch {
	case p.Window <= 0:
		return driver.NewConfigError("scanner.Params", "window must be positive: %d", p.Window)
	case p.Hop <= 0 || p.Hop > p.Window:
		return driver.NewConfigError("scanner.Params", "hop must be between 1 and %d: %d given", p.Window, p.Hop)
	case p.NoiseWindows <= 0:
		return driver.NewConfigError("scanner.Params", "noise windows must be positive: %d", p.NoiseWindows)
	case p.Percentile < 0 || p.Percentile > 100:
		return driver.NewConfigError("scanner.Params", "noise percentile must be between 0 and 100: %g given", p.Percentile)
	case p.PreRoll < 0:
		return driver.NewConfigError("scanner.Params", "pre-roll must not be negative: %d", p.PreRoll)
	case p.PostRoll < 0:
		return driver.NewConfigError("scanner.Params", "post-roll must not be negative: %d", p.PostRoll)
	case p.MaxCapture <= 0:
		return driver.NewConfigError("scanner.Params", "max capture must be positive: %d", p.MaxCapture)
	case p.ReadSize <= 0:
		return driver.NewConfigError("scanner.Params", "read size must be positive: %d", p.ReadSize)
	case p.ReadTimeout <= 0:
		return driver.NewConfigError("scanner.Params", "read timeout must be positive: %s", p.ReadTimeout)
	}
	return nil
}

// ParamsFromDurations converts durations to sample counts at the given rate
func ParamsFromDurations(sampleRate float64, window, hop, pre, post, maxCapture time.Duration) Params {
	samples := func(d time.Duration) int64 {
		return int64(d.Seconds() * sampleRate)
	}

	return Params{
		Window:     dsp.WindowSamples(window.Seconds(), sampleRate),
		Hop:        dsp.HopSamples(hop.Seconds(), sampleRate),
		PreRoll:    samples(pre),
		PostRoll:   samples(post),
		MaxCapture: samples(maxCapture),
	}
}

// Failures controls how transport failures affect the scan
type Failures struct {
	AbortOnTransportFailure bool
	MaxConsecutiveFailures  int // 0 never gives up
}
