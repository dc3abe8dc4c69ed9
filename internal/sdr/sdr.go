package sdr

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransport is returned when the sample stream fails, e.g. the receiver
	// process exited or the connection was closed
	ErrTransport = errors.New("sample transport failure")

	// ErrRetune is returned when the front-end cannot be tuned to a new frequency
	ErrRetune = errors.New("retune failure")
)

// Chunk is a block of raw interleaved I/Q samples as delivered by a Source.
// A chunk with zero samples means no data arrived within the read timeout.
type Chunk struct {
	Data      []byte    // Interleaved I/Q bytes in the source format
	Samples   int       // Number of complex samples in Data
	Timestamp time.Time // Host clock arrival time
}

// IsEmpty returns true if the chunk carries no samples
func (c Chunk) IsEmpty() bool {
	return c.Samples == 0
}

// Source is a radio front-end delivering raw sample chunks
type Source interface {
	// Retune moves the front-end to the given center frequency in Hz
	Retune(ctx context.Context, freqHz int64) error

	// Settle waits for the front-end to stabilise after a retune and drops
	// samples captured in the meantime
	Settle(ctx context.Context, d time.Duration) error

	// ReadChunk returns up to maxSamples complex samples. An empty chunk and
	// a nil error are returned when nothing arrived within timeout.
	ReadChunk(ctx context.Context, maxSamples int, timeout time.Duration) (Chunk, error)

	Format() Format
	SampleRate() float64
	Device() string
	Close() error
}

// Setting is a single fallible front-end configuration call, e.g. setting gain
type Setting struct {
	Name  string
	Value string
	Apply func(ctx context.Context) error
}

// Configurable is implemented by sources exposing front-end settings that
// should be applied before scanning
type Configurable interface {
	Settings() []Setting
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
