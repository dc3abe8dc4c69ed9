package sdr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultQueueDepth is the number of chunks buffered between the receiver
	// process and the consumer
	DefaultQueueDepth = 16

	// DefaultReadSamples is the number of complex samples read from the
	// receiver process per chunk
	DefaultReadSamples = 1 << 16
)

// Handler interface defines the methods required for running an external
// receiver process which writes raw I/Q samples to stdout
type Handler interface {
	Cmd(ctx context.Context, freqHz int64) (*exec.Cmd, error)
	Device() string
	Format() Format
	SampleRate() float64
}

// WithLogger sets the logger for the process source
func WithLogger(logger *slog.Logger) func(d *ProcessSource) {
	return func(d *ProcessSource) {
		d.logger = logger.With(slog.String("device", d.handler.Device()))
	}
}

// WithQueueDepth sets the number of chunks buffered between the receiver
// process and the consumer
func WithQueueDepth(depth int) func(d *ProcessSource) {
	return func(d *ProcessSource) {
		if depth > 0 {
			d.queueDepth = depth
		}
	}
}

// WithReadSamples sets the number of complex samples read from stdout per chunk
func WithReadSamples(samples int) func(d *ProcessSource) {
	return func(d *ProcessSource) {
		if samples > 0 {
			d.readSamples = samples
		}
	}
}

// run is a single receiver process started for one center frequency
type run struct {
	freqHz  int64
	cancel  context.CancelFunc
	chunks  chan Chunk
	stopped chan struct{}
	err     error // valid once chunks is closed
}

// ProcessSource is a Source backed by an external receiver process, e.g.
// `rtl_sdr` or `hackrf_transfer`. The process is restarted on every retune
// and its stdout is read by a producer goroutine into a bounded queue.
type ProcessSource struct {
	handler Handler
	logger  *slog.Logger

	queueDepth  int
	readSamples int

	mu      sync.Mutex
	current *run
	pending Chunk // remainder of a queued chunk larger than the last read
}

// NewProcessSource creates a new ProcessSource with a discard logger
func NewProcessSource(h Handler, options ...func(d *ProcessSource)) *ProcessSource {
	d := ProcessSource{
		handler:     h,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		queueDepth:  DefaultQueueDepth,
		readSamples: DefaultReadSamples,
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

func (d *ProcessSource) Format() Format {
	return d.handler.Format()
}

func (d *ProcessSource) SampleRate() float64 {
	return d.handler.SampleRate()
}

func (d *ProcessSource) Device() string {
	return d.handler.Device()
}

// Retune stops the running receiver process, if any, and starts a new one
// tuned to freqHz
func (d *ProcessSource) Retune(_ context.Context, freqHz int64) error {
	d.stop()

	r, err := d.start(freqHz)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRetune, err)
	}

	d.mu.Lock()
	d.current = r
	d.pending = Chunk{}
	d.mu.Unlock()

	return nil
}

// Settle waits for d and drops all samples queued in the meantime
func (d *ProcessSource) Settle(ctx context.Context, delay time.Duration) error {
	if err := Sleep(ctx, delay); err != nil {
		return err
	}

	d.mu.Lock()
	r := d.current
	d.pending = Chunk{}
	d.mu.Unlock()

	if r == nil {
		return nil
	}

	for {
		select {
		case _, ok := <-r.chunks:
			if !ok {
				return nil // reported by the next read
			}
		default:
			return nil
		}
	}
}

// ReadChunk returns the next queued chunk, waiting at most timeout
func (d *ProcessSource) ReadChunk(ctx context.Context, maxSamples int, timeout time.Duration) (Chunk, error) {
	d.mu.Lock()
	r := d.current
	if !d.pending.IsEmpty() {
		c := d.split(maxSamples)
		d.mu.Unlock()
		return c, nil
	}
	d.mu.Unlock()

	if r == nil {
		return Chunk{}, fmt.Errorf("%w: receiver is not tuned", ErrTransport)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()

	case <-timer.C:
		return Chunk{}, nil

	case c, ok := <-r.chunks:
		if !ok {
			return Chunk{}, fmt.Errorf("%w: %w", ErrTransport, r.err)
		}

		d.mu.Lock()
		defer d.mu.Unlock()

		d.pending = c
		return d.split(maxSamples), nil
	}
}

// split returns up to maxSamples from the pending chunk; d.mu must be held
func (d *ProcessSource) split(maxSamples int) Chunk {
	c := d.pending
	if maxSamples <= 0 || c.Samples <= maxSamples {
		d.pending = Chunk{}
		return c
	}

	n := maxSamples * d.handler.Format().BytesPerSample()
	d.pending = Chunk{
		Data:      c.Data[n:],
		Samples:   c.Samples - maxSamples,
		Timestamp: c.Timestamp,
	}

	return Chunk{Data: c.Data[:n], Samples: maxSamples, Timestamp: c.Timestamp}
}

// Close stops the running receiver process
func (d *ProcessSource) Close() error {
	d.stop()
	return nil
}

func (d *ProcessSource) start(freqHz int64) (*run, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd, err := d.handler.Cmd(ctx, freqHz)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error creating command: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("error starting command: %w", err)
	}

	r := &run{
		freqHz:  freqHz,
		cancel:  cancel,
		chunks:  make(chan Chunk, d.queueDepth),
		stopped: make(chan struct{}),
	}

	logger := d.logger.With(slog.Int64("frequency", freqHz))
	logger.Debug("receiver process started", slog.String("cmd", cmd.String()))

	go func() {
		defer close(r.stopped)

		done := make(chan error, 2) // expects two results from two reader goroutines

		go d.handleStdout(ctx, stdout, r.chunks, done)
		go d.handleStderr(stderr, logger, done)

		var errs []error
		for i := 0; i < cap(done); i++ {
			if err := <-done; err != nil {
				errs = append(errs, err)
			}
		}

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			errs = append(errs, fmt.Errorf("command exited with error: %w", err))
		}

		if ctx.Err() == nil && len(errs) == 0 {
			errs = append(errs, fmt.Errorf("receiver process exited: %w", io.EOF))
		}

		r.err = errors.Join(errs...)
		close(r.chunks)

		if ctx.Err() == nil {
			logger.Error("receiver process stopped", slog.String("error", r.err.Error()))
		} else {
			logger.Debug("receiver process stopped")
		}
	}()

	return r, nil
}

func (d *ProcessSource) stop() {
	d.mu.Lock()
	r := d.current
	d.current = nil
	d.pending = Chunk{}
	d.mu.Unlock()

	if r == nil {
		return
	}

	r.cancel()
	<-r.stopped
}

// handleStdout reads raw samples from stdout and sends them to the chunks
// channel. Blocks while the channel is full.
func (d *ProcessSource) handleStdout(ctx context.Context, stdout io.Reader, chunks chan<- Chunk, done chan<- error) {
	format := d.handler.Format()
	buf := make([]byte, d.readSamples*format.BytesPerSample())

	for {
		n, err := io.ReadFull(stdout, buf)

		if samples := format.Samples(n); samples > 0 {
			data := make([]byte, samples*format.BytesPerSample())
			copy(data, buf)

			select {
			case chunks <- Chunk{Data: data, Samples: samples, Timestamp: time.Now()}:
			case <-ctx.Done():
				done <- nil
				return
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, fs.ErrClosed) || ctx.Err() != nil {
				done <- nil
				return
			}

			done <- fmt.Errorf("error reading stdout: %w", err)
			return
		}
	}
}

// handleStderr reads from stderr and logs receiver diagnostics
func (d *ProcessSource) handleStderr(stderr io.Reader, logger *slog.Logger, done chan<- error) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		logger.Warn(fmt.Sprintf("%s >> %s", d.handler.Device(), line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("error reading stderr: %w", err)
		return
	}

	done <- nil
}
