package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roman-kulish/burst-capture/internal/sdr"
	"github.com/roman-kulish/burst-capture/internal/sdr/driver"
)

const Device = "file"

// Config configures replay of a raw interleaved I/Q recording
type Config struct {
	Path     string `yaml:"path" json:"path"`         // raw I/Q file
	Realtime bool   `yaml:"realtime" json:"realtime"` // pace reads at the sample rate
	Loop     bool   `yaml:"loop" json:"loop"`         // restart from the beginning at EOF
}

func (c *Config) Validate() error {
	if c.Path == "" {
		return driver.NewConfigError("file.Config", "path is required")
	}
	return nil
}

// WithLogger sets the logger for the file source
func WithLogger(logger *slog.Logger) func(s *Source) {
	return func(s *Source) {
		s.logger = logger.With(slog.String("device", Device))
	}
}

// WithClock overrides the clock used for pacing and timestamps
func WithClock(now func() time.Time) func(s *Source) {
	return func(s *Source) {
		s.now = now
	}
}

// Source replays a recorded file as if it came from a receiver. Retune is
// accepted and recorded but does not change the replayed data.
type Source struct {
	f          *os.File
	config     Config
	format     sdr.Format
	sampleRate float64
	logger     *slog.Logger
	now        func() time.Time

	freqHz  int64
	started time.Time
	emitted int64 // samples delivered since started
}

// Open opens the recording at config.Path
func Open(config *Config, format sdr.Format, sampleRate float64, options ...func(s *Source)) (*Source, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, driver.NewConfigError("file.Config", "sample rate must be positive: %.0f", sampleRate)
	}

	f, err := os.Open(config.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening recording: %w", err)
	}

	s := Source{
		f:          f,
		config:     *config,
		format:     format,
		sampleRate: sampleRate,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}

	for _, option := range options {
		option(&s)
	}

	return &s, nil
}

// Frequency returns the last frequency passed to Retune
func (s *Source) Frequency() int64 {
	return s.freqHz
}

func (s *Source) Retune(_ context.Context, freqHz int64) error {
	s.freqHz = freqHz
	s.started = time.Time{}
	s.emitted = 0
	return nil
}

func (s *Source) Settle(ctx context.Context, d time.Duration) error {
	return sdr.Sleep(ctx, d)
}

func (s *Source) ReadChunk(ctx context.Context, maxSamples int, timeout time.Duration) (sdr.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return sdr.Chunk{}, err
	}

	if s.config.Realtime {
		if err := s.pace(ctx, maxSamples, timeout); err != nil {
			return sdr.Chunk{}, err
		}
	}

	bps := s.format.BytesPerSample()
	buf := make([]byte, maxSamples*bps)

	n, err := io.ReadFull(s.f, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if s.config.Loop {
			if _, serr := s.f.Seek(0, io.SeekStart); serr != nil {
				return sdr.Chunk{}, fmt.Errorf("%w: %w", sdr.ErrTransport, serr)
			}
			s.logger.Debug("recording rewound", slog.String("path", s.config.Path))
			err = nil
		} else if n < bps {
			return sdr.Chunk{}, fmt.Errorf("%w: end of recording: %w", sdr.ErrTransport, io.EOF)
		} else {
			err = nil
		}
	}
	if err != nil {
		return sdr.Chunk{}, fmt.Errorf("%w: %w", sdr.ErrTransport, err)
	}

	samples := n / bps // a trailing partial sample is dropped
	s.emitted += int64(samples)

	return sdr.Chunk{Data: buf[:samples*bps], Samples: samples, Timestamp: s.now()}, nil
}

// pace sleeps until the next block is due at the configured sample rate
func (s *Source) pace(ctx context.Context, maxSamples int, timeout time.Duration) error {
	if s.started.IsZero() {
		s.started = s.now()
	}

	due := s.started.Add(time.Duration(float64(s.emitted+int64(maxSamples)) / s.sampleRate * float64(time.Second)))
	wait := due.Sub(s.now())
	if wait > timeout {
		wait = timeout
	}

	return sdr.Sleep(ctx, wait)
}

func (s *Source) Format() sdr.Format {
	return s.format
}

func (s *Source) SampleRate() float64 {
	return s.sampleRate
}

func (s *Source) Device() string {
	return Device
}

func (s *Source) Close() error {
	return s.f.Close()
}
