package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/dsp"
	"github.com/roman-kulish/burst-capture/internal/sdr"
)

// ErrTooManyFailures is returned when consecutive dwells keep failing
var ErrTooManyFailures = errors.New("too many consecutive failures")

// WithLogger sets the logger for the scanner
func WithLogger(logger *slog.Logger) func(s *Scanner) {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithClock overrides the clock used for dwell timing
func WithClock(now func() time.Time) func(s *Scanner) {
	return func(s *Scanner) {
		s.now = now
	}
}

// WithObserver registers an observer of scan events
func WithObserver(o Observer) func(s *Scanner) {
	return func(s *Scanner) {
		s.observers = append(s.observers, o)
	}
}

// WithFailures sets the transport failure policy
func WithFailures(f Failures) func(s *Scanner) {
	return func(s *Scanner) {
		s.failures = f
	}
}

// WithProfile sets the scan parameters recorded in capture metadata
func WithProfile(p capture.Profile) func(s *Scanner) {
	return func(s *Scanner) {
		s.profile = p
	}
}

// Scanner round-robins the source across the channel plan, detecting bursts
// and handing them to the capture writer. Every dwell gets its own detector,
// pre-roll buffer and recorder; nothing is carried from one channel to the next.
type Scanner struct {
	source   sdr.Source
	writer   capture.Writer
	plan     Plan
	params   Params
	failures Failures
	profile  capture.Profile

	logger    *slog.Logger
	now       func() time.Time
	observers []Observer
}

func New(source sdr.Source, writer capture.Writer, plan Plan, params Params, options ...func(s *Scanner)) (*Scanner, error) {
	if source == nil {
		return nil, errors.New("sample source is required")
	}
	if writer == nil {
		return nil, errors.New("capture writer is required")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s := Scanner{
		source:   source,
		writer:   writer,
		plan:     plan,
		params:   params,
		failures: Failures{MaxConsecutiveFailures: DefaultMaxConsecutiveFailures},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}

	for _, option := range options {
		option(&s)
	}

	s.logger = s.logger.With(slog.String("device", source.Device()))

	return &s, nil
}

// state is the bookkeeping of a single Run
type state struct {
	report   *Report
	sequence int // captures opened so far, numbers the next one
	failures int // consecutive failed dwells
}

// Run scans until the plan is exhausted, the context is cancelled or the
// failure policy gives up. Cancellation finalizes the open capture and returns
// the report with a nil error. The caller owns and closes the source and writer.
func (s *Scanner) Run(ctx context.Context) (*Report, error) {
	st := state{report: &Report{Start: s.now(), Faults: make(map[FaultKind]int)}}
	defer func() { st.report.End = s.now() }()

	s.logger.Info("scan started",
		slog.Int("channels", len(s.plan.Channels)),
		slog.Duration("dwell", s.plan.Dwell),
		slog.Int("passes", s.plan.Passes),
		slog.String("format", s.source.Format().String()),
		slog.String("rate", humanize.SIWithDigits(s.source.SampleRate(), 3, "sps")))

	s.applySettings(ctx, &st)

	for pass := 0; s.plan.Passes == 0 || pass < s.plan.Passes; pass++ {
		s.logger.Debug("pass started", slog.Int("pass", pass+1))

		for ch, freq := range s.plan.Channels {
			if ctx.Err() != nil {
				return s.cancelled(&st), nil
			}

			err := s.dwell(ctx, &st, pass, ch, freq)
			switch {
			case err == nil:
				st.failures = 0

			case ctx.Err() != nil:
				return s.cancelled(&st), nil

			case errors.Is(err, sdr.ErrTransport), errors.Is(err, sdr.ErrRetune):
				st.failures++

				if s.failures.AbortOnTransportFailure && errors.Is(err, sdr.ErrTransport) {
					return st.report, fmt.Errorf("scan aborted: %w", err)
				}
				if s.failures.MaxConsecutiveFailures > 0 && st.failures >= s.failures.MaxConsecutiveFailures {
					return st.report, fmt.Errorf("%w: %d in a row, last: %w", ErrTooManyFailures, st.failures, err)
				}

			default:
				return st.report, err
			}
		}

		st.report.Passes++
	}

	s.logger.Info("scan finished",
		slog.Int("passes", st.report.Passes),
		slog.Int("captures", st.report.Captures))

	return st.report, nil
}

func (s *Scanner) cancelled(st *state) *Report {
	st.report.Cancelled = true
	s.logger.Info("scan cancelled",
		slog.Int("passes", st.report.Passes),
		slog.Int("captures", st.report.Captures))
	return st.report
}

// applySettings runs the front-end configuration calls once. Failures are
// reported as warnings and do not stop the scan.
func (s *Scanner) applySettings(ctx context.Context, st *state) {
	c, ok := s.source.(sdr.Configurable)
	if !ok {
		return
	}

	for _, setting := range c.Settings() {
		if err := setting.Apply(ctx); err != nil {
			msg := fmt.Sprintf("setting %s=%s failed: %s", setting.Name, setting.Value, err)
			st.report.Warnings = append(st.report.Warnings, msg)

			s.logger.Warn("front-end setting failed",
				slog.String("setting", setting.Name),
				slog.String("value", setting.Value),
				slog.String("error", err.Error()))

			s.fault(st, Fault{Kind: FaultSetting, Timestamp: s.now(), Err: err})
			continue
		}

		s.logger.Debug("front-end setting applied",
			slog.String("setting", setting.Name),
			slog.String("value", setting.Value))
	}
}

func (s *Scanner) dwell(ctx context.Context, st *state, pass, ch int, freq int64) (err error) {
	logger := s.logger.With(slog.Int64("frequency", freq), slog.Int("channel", ch))

	if err = s.source.Retune(ctx, freq); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, sdr.ErrRetune) {
			err = fmt.Errorf("%w: %w", sdr.ErrRetune, err)
		}

		logger.Error("retune failed, skipping channel", slog.String("error", err.Error()))
		s.fault(st, Fault{Kind: FaultRetune, Pass: pass, Channel: ch, FrequencyHz: freq, Timestamp: s.now(), Err: err})
		return err
	}

	if err = s.source.Settle(ctx, s.plan.Settle); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Error("settle failed", slog.String("error", err.Error()))
		s.fault(st, Fault{Kind: FaultTransport, Pass: pass, Channel: ch, FrequencyHz: freq, Timestamp: s.now(), Err: err})
		return err
	}

	format := s.source.Format()

	detector, err := dsp.NewDetector(format, dsp.Config{
		Window:       s.params.Window,
		Hop:          s.params.Hop,
		NoiseWindows: s.params.NoiseWindows,
		Percentile:   s.params.Percentile,
		DBOverFloor:  s.params.DBOverFloor,
	})
	if err != nil {
		return fmt.Errorf("creating detector: %w", err)
	}

	preRoll, err := sdr.NewPreRollBuffer(int(s.params.PreRoll), format)
	if err != nil {
		return fmt.Errorf("creating pre-roll buffer: %w", err)
	}

	target := capture.Target{
		Device:      s.source.Device(),
		Channel:     ch,
		FrequencyHz: freq,
		SampleRate:  s.source.SampleRate(),
		Format:      format,
	}

	recorder, err := capture.NewRecorder(s.writer, preRoll, target,
		capture.Budget{PostRoll: s.params.PostRoll, Max: s.params.MaxCapture},
		capture.WithLogger(logger),
		capture.WithClock(s.now),
		capture.WithProfile(s.profile),
		capture.WithSequence(st.sequence))
	if err != nil {
		return fmt.Errorf("creating recorder: %w", err)
	}

	stats := DwellStats{DwellInfo: DwellInfo{Pass: pass, Channel: ch, FrequencyHz: freq, Start: s.now()}}
	for _, o := range s.observers {
		o.DwellStarted(stats.DwellInfo)
	}

	defer func() {
		st.sequence = recorder.Sequence()
		st.report.Dwells++

		stats.End = s.now()
		stats.Aborted = err != nil
		for _, o := range s.observers {
			o.DwellFinished(stats)
		}

		logger.Debug("dwell finished",
			slog.Int("chunks", stats.Chunks),
			slog.Int("emptyReads", stats.EmptyReads),
			slog.Int("windows", stats.Windows),
			slog.Int("triggers", stats.Triggers),
			slog.Int("captures", stats.Captures),
			slog.Float64("floor", stats.Floor))
	}()

	logger.Debug("dwell started", slog.Int("pass", pass+1))

	for {
		if ctx.Err() != nil {
			s.finalize(st, &stats, recorder, capture.ReasonCancelled)
			return ctx.Err()
		}

		if s.now().Sub(stats.Start) >= s.plan.Dwell {
			s.finalize(st, &stats, recorder, capture.ReasonDwellEnd)
			return nil
		}

		chunk, rerr := s.source.ReadChunk(ctx, s.params.ReadSize, s.params.ReadTimeout)
		if rerr != nil {
			if ctx.Err() != nil {
				s.finalize(st, &stats, recorder, capture.ReasonCancelled)
				return ctx.Err()
			}
			if !errors.Is(rerr, sdr.ErrTransport) {
				rerr = fmt.Errorf("%w: %w", sdr.ErrTransport, rerr)
			}

			fault := Fault{Kind: FaultTransport, Pass: pass, Channel: ch, FrequencyHz: freq, Timestamp: s.now(), Err: rerr}
			if session, ok := recorder.Session(); ok {
				fault.SamplesWritten = session.Written
				fault.BytesWritten = session.Bytes
			}

			s.finalize(st, &stats, recorder, capture.ReasonTransportFailure)

			logger.Error("transport failure, dwell aborted",
				slog.String("error", rerr.Error()),
				slog.Int64("samplesInCapture", fault.SamplesWritten))
			s.fault(st, fault)

			return rerr
		}

		if chunk.IsEmpty() {
			stats.EmptyReads++
			continue
		}

		stats.Chunks++
		stats.Samples += int64(chunk.Samples)

		dec := detector.Evaluate(chunk)
		stats.Windows += dec.Windows
		stats.Warm = dec.Warm
		if dec.Warm {
			stats.Floor = dec.Floor
		}
		if dec.Hit {
			stats.Triggers++
		}

		summary, herr := recorder.Handle(chunk, dec)
		if herr != nil {
			s.writerFault(st, pass, ch, freq, summary, herr)
			continue
		}
		if summary != nil {
			s.captureClosed(st, &stats, summary)
		}
	}
}

func (s *Scanner) finalize(st *state, stats *DwellStats, recorder *capture.Recorder, reason capture.Reason) {
	summary, err := recorder.Finalize(reason)
	if err != nil {
		s.writerFault(st, stats.Pass, stats.Channel, stats.FrequencyHz, summary, err)
		return
	}
	if summary != nil {
		s.captureClosed(st, stats, summary)
	}
}

func (s *Scanner) captureClosed(st *state, stats *DwellStats, summary *capture.Summary) {
	st.report.Captures++
	st.report.CapturedSamples += summary.SamplesCaptured
	stats.Captures++

	for _, o := range s.observers {
		o.CaptureClosed(*summary)
	}
}

func (s *Scanner) writerFault(st *state, pass, ch int, freq int64, summary *capture.Summary, err error) {
	fault := Fault{Kind: FaultWriter, Pass: pass, Channel: ch, FrequencyHz: freq, Timestamp: s.now(), Err: err}
	if summary != nil {
		fault.SamplesWritten = summary.SamplesCaptured
		fault.BytesWritten = summary.Bytes
	}

	s.logger.Error("capture writer failure",
		slog.Int64("frequency", freq),
		slog.Int64("samplesLost", fault.SamplesWritten),
		slog.String("error", err.Error()))

	s.fault(st, fault)
}

func (s *Scanner) fault(st *state, f Fault) {
	st.report.Faults[f.Kind]++
	for _, o := range s.observers {
		o.Fault(f)
	}
}
