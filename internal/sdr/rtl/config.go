package rtl

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roman-kulish/burst-capture/internal/sdr/driver"
)

const (
	// MinBlockSize and MaxBlockSize bound the rtl_sdr output block size
	MinBlockSize = 512
	MaxBlockSize = 256 * 16384

	// DirectSamplingOff disables direct sampling; 1 is the I branch, 2 the Q branch
	DirectSamplingOff = 0
	DirectSamplingI   = 1
	DirectSamplingQ   = 2
)

// sampleRateRanges are the rates supported by the RTL2832U
var sampleRateRanges = [...][2]float64{
	{225_001, 300_000},
	{900_001, 3_200_000},
}

// Usage examples from man page:
// https://manpages.debian.org/bookworm/rtl-sdr/rtl_sdr.1.en.html

/*
Example: LoRa EU868 channel capture
    rtlConfig := rtl.Config{
        DeviceIndex: 0,
        Gain:        ptr(40.2),
        PPMError:    1,
    }
    // Executes: rtl_sdr -f 868100000 -s 2400000 -d 0 -g 40.2 -p 1 -
    // Streams unsigned 8-bit interleaved I/Q to stdout
*/

// Config is the `rtl_sdr` tool configuration
type Config struct {
	DeviceIndex int      `yaml:"deviceIndex" json:"deviceIndex"` // -d device_index (default: 0)
	Gain        *float64 `yaml:"gain" json:"gain"`               // -g gain in dB (default: automatic)
	PPMError    int      `yaml:"ppmError" json:"ppmError"`       // -p ppm_error (default: 0)
	BlockSize   int      `yaml:"blockSize" json:"blockSize"`     // -b output_block_size (default: 16 * 16384)

	// Hardware Options
	BiasTee        bool `yaml:"biasTee" json:"biasTee"`               // -T enable bias-tee (default: off)
	DirectSampling int  `yaml:"directSampling" json:"directSampling"` // -D 0 off, 1 I-ADC, 2 Q-ADC (default: off)
	OffsetTuning   bool `yaml:"offsetTuning" json:"offsetTuning"`     // -O enable offset tuning (default: off)
}

// ValidateSampleRate returns an error if rate is not supported by the tuner
func ValidateSampleRate(rate float64) error {
	for _, r := range sampleRateRanges {
		if rate >= r[0] && rate <= r[1] {
			return nil
		}
	}

	return driver.NewConfigError("rtl.Config", "unsupported sample rate: %.0f sps", rate)
}

func (c *Config) Validate() error {
	if c.DeviceIndex < 0 {
		return driver.NewConfigError("rtl.Config", "device index must not be negative: %d", c.DeviceIndex)
	}

	if c.Gain != nil && (*c.Gain < 0 || *c.Gain > 50) {
		return driver.NewConfigError("rtl.Config", "gain must be between 0 and 50 dB: %.1f given", *c.Gain)
	}

	if c.BlockSize != 0 {
		if c.BlockSize < MinBlockSize || c.BlockSize > MaxBlockSize {
			return driver.NewConfigError("rtl.Config", "block size must be between %d and %d: %d given", MinBlockSize, MaxBlockSize, c.BlockSize)
		}
		if c.BlockSize%MinBlockSize != 0 {
			return driver.NewConfigError("rtl.Config", "block size must be a multiple of %d: %d given", MinBlockSize, c.BlockSize)
		}
	}

	switch c.DirectSampling {
	case DirectSamplingOff, DirectSamplingI, DirectSamplingQ:
	default:
		return driver.NewConfigError("rtl.Config", "invalid direct sampling mode: %d", c.DirectSampling)
	}

	return nil
}

// Args returns the command line arguments for `rtl_sdr` tuned to freqHz
// See `man rtl_sdr` for more information:
// https://manpages.debian.org/bookworm/rtl-sdr/rtl_sdr.1.en.html
func (c *Config) Args(freqHz int64, sampleRate float64) ([]string, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSampleRate(sampleRate); err != nil {
		return nil, err
	}
	if freqHz <= 0 {
		return nil, driver.NewConfigError("rtl.Config", "frequency must be positive: %d", freqHz)
	}

	args := []string{
		"-f", strconv.FormatInt(freqHz, 10),
		"-s", strconv.FormatFloat(sampleRate, 'f', 0, 64),
		"-d", strconv.Itoa(c.DeviceIndex), // 0 is the default device index
	}

	if c.Gain != nil {
		args = append(args, "-g", strconv.FormatFloat(*c.Gain, 'f', 1, 64))
	}

	if c.PPMError != 0 {
		args = append(args, "-p", strconv.Itoa(c.PPMError))
	}

	if c.BlockSize > 0 {
		args = append(args, "-b", strconv.Itoa(c.BlockSize))
	}

	// Hardware options
	if c.BiasTee {
		args = append(args, "-T")
	}

	if c.DirectSampling != DirectSamplingOff {
		args = append(args, "-D", strconv.Itoa(c.DirectSampling))
	}

	if c.OffsetTuning {
		args = append(args, "-O")
	}

	args = append(args, "-") // Always dump to stdout

	return args, nil
}

func (c *Config) String() string {
	args, err := c.Args(868_100_000, 2_400_000)
	if err != nil {
		return fmt.Sprintf("rtl.Config: failed to build args: %s", err)
	}
	return fmt.Sprintf("%s %s", Runtime, strings.Join(args, " "))
}
