package hackrf

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/roman-kulish/burst-capture/internal/sdr"
	"github.com/roman-kulish/burst-capture/internal/sdr/driver"
)

const (
	Runtime = "hackrf_transfer"
	Device  = "HackRF"
)

// handler struct represents a HackRF handler
type handler struct {
	binPath    string
	config     Config
	sampleRate float64
}

// New creates a new HackRF handler
func New(config *Config, sampleRate float64) (sdr.Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSampleRate(sampleRate); err != nil {
		return nil, err
	}

	binPath, err := driver.FindRuntime(Runtime)
	if err != nil {
		return nil, fmt.Errorf("error finding runtime: %w", err)
	}

	return &handler{binPath: binPath, config: *config, sampleRate: sampleRate}, nil
}

// Cmd returns an exec.Cmd for the HackRF handler tuned to freqHz
func (h handler) Cmd(ctx context.Context, freqHz int64) (*exec.Cmd, error) {
	args, err := h.config.Args(freqHz, h.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("error creating args: %w", err)
	}
	return exec.CommandContext(ctx, h.binPath, args...), nil
}

// Device returns the device type
func (h handler) Device() string {
	return Device
}

// Format returns the hackrf_transfer output format: signed 8-bit
func (h handler) Format() sdr.Format {
	return sdr.FormatCS8
}

func (h handler) SampleRate() float64 {
	return h.sampleRate
}
