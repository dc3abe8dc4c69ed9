package hackrf

import (
	"strconv"

	"github.com/roman-kulish/burst-capture/internal/sdr/driver"
)

const (
	MinSampleRate = 2_000_000
	MaxSampleRate = 20_000_000
	MaxLNAGain    = 40
	MaxVGAGain    = 62
	LNAGainStep   = 8
	VGAGainStep   = 2

	MinFrequency = 1_000_000
	MaxFrequency = 6_000_000_000
)

// Usage examples from man page:
// https://manpages.debian.org/bookworm/hackrf/hackrf_transfer.1.en.html

/*
	hackrfConfig := hackrf.Config{
        LNAGain: ptr(16),
        VGAGain: ptr(20),
    }
    // Executes: hackrf_transfer -r - -f 868100000 -s 5000000 -l 16 -g 20
    // Streams signed 8-bit interleaved I/Q to stdout
*/

// Config is a struct for configuring the `hackrf_transfer` tool
type Config struct {
	SerialNumber string `yaml:"serialNumber" json:"serialNumber"` // -d serial_number Serial number of desired HackRF

	LNAGain *int `yaml:"lnaGain" json:"lnaGain"` // -l gain_db LNA (IF) gain, 0-40dB, 8dB steps
	VGAGain *int `yaml:"vgaGain" json:"vgaGain"` // -g gain_db VGA (baseband) gain, 0-62dB, 2dB steps

	EnableAmp    bool `yaml:"enableAmp" json:"enableAmp"`       // -a amp_enable RX RF amplifier 1=Enable, 0=Disable
	AntennaPower bool `yaml:"antennaPower" json:"antennaPower"` // -p antenna_enable Antenna port power, 1=Enable, 0=Disable

	BasebandFilter int64 `yaml:"basebandFilter" json:"basebandFilter"` // -b baseband_filter_bw_hz (default: 0.75 * sample rate)

	// Always dump to stdout
	// OutputFile   string // -r filename Output file
}

// ValidateSampleRate returns an error if rate is outside the HackRF range
func ValidateSampleRate(rate float64) error {
	if rate < MinSampleRate || rate > MaxSampleRate {
		return driver.NewConfigError("hackrf.Config", "sample rate must be between %d and %d sps: %.0f given", MinSampleRate, MaxSampleRate, rate)
	}
	return nil
}

func (c *Config) Validate() error {
	// LNA gain validation (0-40dB in 8dB steps)
	if c.LNAGain != nil {
		if *c.LNAGain < 0 || *c.LNAGain > MaxLNAGain {
			return driver.NewConfigError("hackrf.Config", "LNA gain must be between 0 and 40 dB: %d given", *c.LNAGain)
		}
		if *c.LNAGain%LNAGainStep != 0 {
			return driver.NewConfigError("hackrf.Config", "LNA gain must be a multiple of 8 dB")
		}
	}

	// VGA gain validation (0-62dB in 2dB steps)
	if c.VGAGain != nil {
		if *c.VGAGain < 0 || *c.VGAGain > MaxVGAGain {
			return driver.NewConfigError("hackrf.Config", "VGA gain must be between 0 and 62 dB: %d given", *c.VGAGain)
		}
		if *c.VGAGain%VGAGainStep != 0 {
			return driver.NewConfigError("hackrf.Config", "VGA gain must be a multiple of 2 dB")
		}
	}

	if c.BasebandFilter < 0 {
		return driver.NewConfigError("hackrf.Config", "baseband filter bandwidth cannot be negative: %d given", c.BasebandFilter)
	}

	return nil
}

// Args builds the command line arguments for `hackrf_transfer` tuned to freqHz
// See `man hackrf_transfer` for more information:
// https://manpages.debian.org/bookworm/hackrf/hackrf_transfer.1.en.html
func (c *Config) Args(freqHz int64, sampleRate float64) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSampleRate(sampleRate); err != nil {
		return nil, err
	}
	if freqHz < MinFrequency || freqHz > MaxFrequency {
		return nil, driver.NewConfigError("hackrf.Config", "frequency must be between 1 MHz and 6 GHz: %d given", freqHz)
	}

	args := []string{
		"-r", "-", // Always dump to stdout
		"-f", strconv.FormatInt(freqHz, 10),
		"-s", strconv.FormatFloat(sampleRate, 'f', 0, 64),
	}

	if c.SerialNumber != "" {
		args = append(args, "-d", c.SerialNumber)
	}

	if c.LNAGain != nil {
		args = append(args, "-l", strconv.Itoa(*c.LNAGain))
	}

	if c.VGAGain != nil {
		args = append(args, "-g", strconv.Itoa(*c.VGAGain))
	}

	if c.EnableAmp {
		args = append(args, "-a", "1")
	}

	if c.AntennaPower {
		args = append(args, "-p", "1")
	}

	if c.BasebandFilter > 0 {
		args = append(args, "-b", strconv.FormatInt(c.BasebandFilter, 10))
	}

	return args, nil
}
