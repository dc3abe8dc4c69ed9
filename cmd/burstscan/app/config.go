package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/burst-capture/internal/capture/iqfile"
	"github.com/roman-kulish/burst-capture/internal/dsp"
	"github.com/roman-kulish/burst-capture/internal/notify"
	"github.com/roman-kulish/burst-capture/internal/scanner"
	"github.com/roman-kulish/burst-capture/internal/sdr"
	"github.com/roman-kulish/burst-capture/internal/sdr/file"
	"github.com/roman-kulish/burst-capture/internal/sdr/hackrf"
	"github.com/roman-kulish/burst-capture/internal/sdr/rtl"
	"github.com/roman-kulish/burst-capture/internal/sdr/rtltcp"
)

const (
	SourceRTLSDR SourceType = "rtl_sdr"
	SourceHackRF SourceType = "hackrf"
	SourceRTLTCP SourceType = "rtl_tcp"
	SourceFile   SourceType = "file"
)

const (
	defaultSampleRate    = 5e6
	defaultRTLSampleRate = 2.4e6
	defaultReadSize      = 1 << 16
	defaultReadTimeout   = time.Second
	defaultDialTimeout   = 5 * time.Second
	defaultDwell         = 6 * time.Second
	defaultPasses        = 999_999
	defaultSettle        = 50 * time.Millisecond
	defaultEnergyWindow  = 10 * time.Millisecond
	defaultEnergyHop     = 5 * time.Millisecond
	defaultPreRoll       = 300 * time.Millisecond
	defaultPostRoll      = 400 * time.Millisecond
	defaultMaxDuration   = 4 * time.Second
	defaultOutputDir     = "captures"
	catalogFile          = "catalog.sqlite"
)

type SourceType string

// Config represents the main application configuration
type Config struct {
	Settings Settings       `yaml:"settings"`
	Source   SourceConfig   `yaml:"source"`
	Plan     PlanConfig     `yaml:"plan"`
	Detector DetectorConfig `yaml:"detector"`
	Capture  CaptureConfig  `yaml:"capture"`
	Storage  StorageConfig  `yaml:"storage"`
	Status   StatusConfig   `yaml:"status"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Failures FailuresConfig `yaml:"failures"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel slog.Level `yaml:"logLevel"`
}

// SourceConfig selects and configures the radio front-end
type SourceConfig struct {
	Type        SourceType   `yaml:"type"`
	SampleRate  float64      `yaml:"sampleRate"`
	Format      string       `yaml:"format"` // sample format of file sources
	ReadSize    int          `yaml:"readSize"`
	ReadTimeout TimeDuration `yaml:"readTimeout"`
	DialTimeout TimeDuration `yaml:"dialTimeout"`
	QueueDepth  int          `yaml:"queueDepth"`

	RTLSDR *rtl.Config    `yaml:"rtlSdr"`
	HackRF *hackrf.Config `yaml:"hackrf"`
	RTLTCP *rtltcp.Config `yaml:"rtlTcp"`
	File   *file.Config   `yaml:"file"`
}

// PlanConfig represents the channel plan
type PlanConfig struct {
	Channels []int64     `yaml:"channels"`
	Dwell    TimeDuration `yaml:"dwell"`
	Passes   int          `yaml:"passes"`
	Settle   TimeDuration `yaml:"settle"`
}

// DetectorConfig represents the burst detector settings
type DetectorConfig struct {
	EnergyWindow       TimeDuration `yaml:"energyWindow"`
	EnergyHop          TimeDuration `yaml:"energyHop"`
	NoiseWindows       int          `yaml:"noiseWindows"`
	NoisePercentile    float64      `yaml:"noisePercentile"`
	TriggerDBOverFloor float64      `yaml:"triggerDBOverFloor"`
}

// CaptureConfig represents capture file settings
type CaptureConfig struct {
	PreRoll      TimeDuration       `yaml:"preRoll"`
	PostRoll     TimeDuration       `yaml:"postRoll"`
	MaxDuration  TimeDuration       `yaml:"maxDuration"`
	OutputDir    string             `yaml:"outputDir"`
	Prefix       string             `yaml:"prefix"`
	Compression  iqfile.Compression `yaml:"compression"`
	MinFreeSpace string             `yaml:"minFreeSpace"` // e.g. "500 MiB"
}

// StorageConfig represents the capture catalog settings. The catalog is
// disabled when no data directory is given.
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
}

// StatusConfig represents the HTTP status API settings
type StatusConfig struct {
	Listen           string `yaml:"listen"` // e.g. ":8080", empty disables the API
	MetricsNamespace string `yaml:"metricsNamespace"`
}

// MQTTConfig represents event publishing settings
type MQTTConfig struct {
	Enabled       bool `yaml:"enabled"`
	notify.Config `yaml:",inline"`
}

// FailuresConfig represents the transport failure policy
type FailuresConfig struct {
	AbortOnTransportFailure bool `yaml:"abortOnTransportFailure"`
	MaxConsecutiveFailures  int  `yaml:"maxConsecutiveFailures"`
}

// NewConfig returns the configuration defaults
func NewConfig() *Config {
	return &Config{
		Settings: Settings{LogLevel: slog.LevelInfo},
		Source: SourceConfig{
			ReadSize:    defaultReadSize,
			ReadTimeout: TimeDuration(defaultReadTimeout),
			DialTimeout: TimeDuration(defaultDialTimeout),
		},
		Plan: PlanConfig{
			Channels: slices.Clone(scanner.EU868Channels),
			Dwell:    TimeDuration(defaultDwell),
			Passes:   defaultPasses,
			Settle:   TimeDuration(defaultSettle),
		},
		Detector: DetectorConfig{
			EnergyWindow:       TimeDuration(defaultEnergyWindow),
			EnergyHop:          TimeDuration(defaultEnergyHop),
			NoiseWindows:       dsp.DefaultNoiseWindows,
			NoisePercentile:    dsp.DefaultNoisePercentile,
			TriggerDBOverFloor: dsp.DefaultTriggerDBOverFloor,
		},
		Capture: CaptureConfig{
			PreRoll:     TimeDuration(defaultPreRoll),
			PostRoll:    TimeDuration(defaultPostRoll),
			MaxDuration: TimeDuration(defaultMaxDuration),
			OutputDir:   defaultOutputDir,
			Prefix:      iqfile.DefaultPrefix,
			Compression: iqfile.CompressionNone,
		},
		MQTT: MQTTConfig{
			Config: notify.Config{Topic: notify.DefaultTopic, QueueSize: notify.DefaultQueueSize},
		},
		Failures: FailuresConfig{
			MaxConsecutiveFailures: scanner.DefaultMaxConsecutiveFailures,
		},
	}
}

// LoadConfig reads the YAML configuration file over the defaults
func LoadConfig(path string) (*Config, error) {
	p, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := NewConfig()
	if err = yaml.Unmarshal(p, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	config.applyDefaults()

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Source.SampleRate == 0 {
		switch c.Source.Type {
		case SourceRTLSDR, SourceRTLTCP:
			c.Source.SampleRate = defaultRTLSampleRate
		default:
			c.Source.SampleRate = defaultSampleRate
		}
	}

	switch c.Source.Type {
	case SourceRTLSDR:
		if c.Source.RTLSDR == nil {
			c.Source.RTLSDR = &rtl.Config{}
		}
	case SourceHackRF:
		if c.Source.HackRF == nil {
			c.Source.HackRF = &hackrf.Config{}
		}
	case SourceRTLTCP:
		if c.Source.RTLTCP == nil {
			c.Source.RTLTCP = &rtltcp.Config{}
		}
	}
}

// FrontEnd returns the configured gain in dB and analog bandwidth in Hz of
// the selected source. Either is nil when the device picks it.
func (c *SourceConfig) FrontEnd() (gain, bandwidthHz *float64) {
	switch c.Type {
	case SourceRTLSDR:
		if c.RTLSDR != nil {
			gain = c.RTLSDR.Gain
		}
	case SourceRTLTCP:
		if c.RTLTCP != nil {
			gain = c.RTLTCP.Gain
		}
	case SourceHackRF:
		if h := c.HackRF; h != nil {
			if h.LNAGain != nil || h.VGAGain != nil {
				var total float64
				if h.LNAGain != nil {
					total += float64(*h.LNAGain)
				}
				if h.VGAGain != nil {
					total += float64(*h.VGAGain)
				}
				gain = &total
			}
			if h.BasebandFilter > 0 {
				bw := float64(h.BasebandFilter)
				bandwidthHz = &bw
			}
		}
	}
	return gain, bandwidthHz
}

func (c *Config) Validate() error {
	return errors.Join(
		c.Source.Validate(),
		c.Plan.Validate(),
		c.Detector.Validate(),
		c.Capture.Validate(),
		c.MQTT.Validate(),
		c.Failures.Validate(),
	)
}

func (c *SourceConfig) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("source: sample rate must be positive: %g", c.SampleRate)
	}
	if c.ReadSize <= 0 {
		return fmt.Errorf("source: read size must be positive: %d", c.ReadSize)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("source: read timeout must be positive")
	}

	switch c.Type {
	case SourceRTLSDR:
		if err := rtl.ValidateSampleRate(c.SampleRate); err != nil {
			return err
		}
		return c.RTLSDR.Validate()

	case SourceHackRF:
		if err := hackrf.ValidateSampleRate(c.SampleRate); err != nil {
			return err
		}
		return c.HackRF.Validate()

	case SourceRTLTCP:
		if err := rtl.ValidateSampleRate(c.SampleRate); err != nil {
			return err
		}
		return c.RTLTCP.Validate()

	case SourceFile:
		if c.File == nil {
			return errors.New("source: file settings are required for a file source")
		}
		if _, err := sdr.ParseFormat(c.Format); err != nil {
			return fmt.Errorf("source: %w", err)
		}
		return c.File.Validate()

	case "":
		return errors.New("source: type is required")

	default:
		return fmt.Errorf("source: unknown type '%s'", c.Type)
	}
}

func (c *PlanConfig) Validate() error {
	plan := c.Plan()
	return plan.Validate()
}

// Plan returns the scanner plan
func (c *PlanConfig) Plan() scanner.Plan {
	return scanner.Plan{
		Channels: c.Channels,
		Dwell:    time.Duration(c.Dwell),
		Passes:   c.Passes,
		Settle:   time.Duration(c.Settle),
	}
}

func (c *DetectorConfig) Validate() error {
	if c.EnergyWindow <= 0 || c.EnergyHop <= 0 {
		return errors.New("detector: energy window and hop must be positive")
	}
	if c.EnergyHop > c.EnergyWindow {
		return fmt.Errorf("detector: energy hop %s exceeds window %s", c.EnergyHop, c.EnergyWindow)
	}
	if c.NoiseWindows <= 0 {
		return fmt.Errorf("detector: noise windows must be positive: %d", c.NoiseWindows)
	}
	if c.NoisePercentile < 0 || c.NoisePercentile > 100 {
		return fmt.Errorf("detector: noise percentile must be between 0 and 100: %g given", c.NoisePercentile)
	}
	return nil
}

func (c *CaptureConfig) Validate() error {
	if c.PreRoll < 0 || c.PostRoll < 0 {
		return errors.New("capture: pre-roll and post-roll must not be negative")
	}
	if c.MaxDuration <= 0 {
		return errors.New("capture: max duration must be positive")
	}
	if _, err := c.MinFreeBytes(); err != nil {
		return err
	}

	w := iqfile.Config{Directory: c.OutputDir, Compression: c.Compression}
	return w.Validate()
}

// MinFreeBytes parses the minimum free space
func (c *CaptureConfig) MinFreeBytes() (uint64, error) {
	if c.MinFreeSpace == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.MinFreeSpace)
	if err != nil {
		return 0, fmt.Errorf("capture: invalid minimum free space '%s': %w", c.MinFreeSpace, err)
	}
	return n, nil
}

func (c *MQTTConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return c.Config.Validate()
}

func (c *FailuresConfig) Validate() error {
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("failures: max consecutive failures must not be negative: %d", c.MaxConsecutiveFailures)
	}
	return nil
}

type TimeDuration time.Duration

func (d TimeDuration) String() string {
	return time.Duration(d).String()
}

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *TimeDuration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d TimeDuration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}
