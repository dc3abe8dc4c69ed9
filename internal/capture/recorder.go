package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/roman-kulish/burst-capture/internal/dsp"
	"github.com/roman-kulish/burst-capture/internal/sdr"
)

// Target is the channel a recorder captures from
type Target struct {
	Device      string
	Channel     int
	FrequencyHz int64
	SampleRate  float64
	Format      sdr.Format
}

// Budget limits a capture, in complex samples
type Budget struct {
	PostRoll int64 // samples kept after the last triggering chunk
	Max      int64 // hard limit on samples per capture, pre-roll included
}

// Session is the open capture state
type Session struct {
	Identity      Identity
	Written       int64 // complex samples written
	Bytes         int64
	PostRemaining int64
	PreRoll       int64 // samples flushed from the pre-roll buffer
	Floor         float64
	Threshold     float64
	Peak          float64

	handle Handle
}

// WithLogger sets the logger for the recorder
func WithLogger(logger *slog.Logger) func(r *Recorder) {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithClock overrides the clock used when a chunk carries no timestamp
func WithClock(now func() time.Time) func(r *Recorder) {
	return func(r *Recorder) {
		r.now = now
	}
}

// WithProfile sets the scan parameters recorded in capture metadata
func WithProfile(p Profile) func(r *Recorder) {
	return func(r *Recorder) {
		r.profile = p
	}
}

// WithSequence sets the number of captures already taken in the scan
func WithSequence(n int) func(r *Recorder) {
	return func(r *Recorder) {
		r.sequence = n
	}
}

// Recorder is the trigger/capture state machine for one dwell. It is Idle
// while session is nil and Recording otherwise. At most one session is open
// at a time and a session never holds more than Budget.Max samples.
type Recorder struct {
	writer  Writer
	preRoll *sdr.PreRollBuffer
	target  Target
	budget  Budget
	profile Profile
	logger  *slog.Logger
	now     func() time.Time

	session  *Session
	sequence int
}

func NewRecorder(writer Writer, preRoll *sdr.PreRollBuffer, target Target, budget Budget, options ...func(r *Recorder)) (*Recorder, error) {
	if writer == nil {
		return nil, errors.New("capture writer is required")
	}
	if preRoll == nil {
		return nil, errors.New("pre-roll buffer is required")
	}
	if budget.PostRoll < 0 {
		return nil, fmt.Errorf("post-roll budget must not be negative: %d", budget.PostRoll)
	}
	if budget.Max <= 0 {
		return nil, fmt.Errorf("max capture budget must be positive: %d", budget.Max)
	}

	r := Recorder{
		writer:  writer,
		preRoll: preRoll,
		target:  target,
		budget:  budget,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
	}

	for _, option := range options {
		option(&r)
	}

	return &r, nil
}

// Recording returns true while a capture is open
func (r *Recorder) Recording() bool {
	return r.session != nil
}

// Session returns a copy of the open session
func (r *Recorder) Session() (Session, bool) {
	if r.session == nil {
		return Session{}, false
	}
	return *r.session, true
}

// Sequence returns the number of the last capture opened
func (r *Recorder) Sequence() int {
	return r.sequence
}

// Handle feeds one chunk and its trigger decision through the state machine.
// A non-nil Summary is returned when the chunk closed a capture. On writer
// failure the session is abandoned, the error wraps ErrWriter and the
// Summary, if any, describes what had been written.
func (r *Recorder) Handle(chunk sdr.Chunk, dec dsp.Decision) (*Summary, error) {
	if r.session == nil {
		if !dec.Hit {
			r.preRoll.Push(chunk.Data)
			return nil, nil
		}

		if summary, err := r.open(chunk, dec); err != nil {
			return summary, err
		}
	}

	return r.record(chunk, dec)
}

// Finalize closes the open capture, if any
func (r *Recorder) Finalize(reason Reason) (*Summary, error) {
	if r.session == nil {
		return nil, nil
	}
	return r.close(reason)
}

func (r *Recorder) open(chunk sdr.Chunk, dec dsp.Decision) (*Summary, error) {
	start := chunk.Timestamp
	if start.IsZero() {
		start = r.now()
	}

	id := Identity{
		ID:          uuid.New(),
		Device:      r.target.Device,
		Channel:     r.target.Channel,
		FrequencyHz: r.target.FrequencyHz,
		SampleRate:  r.target.SampleRate,
		Format:      r.target.Format,
		Start:       start.UTC(),
		Sequence:    r.sequence + 1,
	}

	handle, err := r.writer.Open(id)
	if err != nil {
		r.preRoll.Push(chunk.Data)
		return nil, fmt.Errorf("%w: error opening capture: %w", ErrWriter, err)
	}

	r.sequence++
	r.session = &Session{
		Identity:      id,
		PostRemaining: r.budget.PostRoll,
		Floor:         dec.Floor,
		Threshold:     dec.Threshold,
		handle:        handle,
	}

	bps := r.target.Format.BytesPerSample()
	pre := r.preRoll.Drain()
	if limit := r.budget.Max * int64(bps); int64(len(pre)) > limit {
		pre = pre[int64(len(pre))-limit:]
	}

	if len(pre) > 0 {
		if err = handle.Append(pre); err != nil {
			return r.abandon(err)
		}
		r.session.PreRoll = int64(len(pre) / bps)
		r.session.Written = r.session.PreRoll
		r.session.Bytes = int64(len(pre))
	}

	r.logger.Info("capture opened",
		slog.String("id", id.ID.String()),
		slog.Int64("frequency", id.FrequencyHz),
		slog.Int("sequence", id.Sequence),
		slog.Int64("preRollSamples", r.session.PreRoll),
		slog.Float64("floor", dec.Floor),
		slog.Float64("threshold", dec.Threshold),
		slog.Float64("peak", dec.Peak))

	return nil, nil
}

func (r *Recorder) record(chunk sdr.Chunk, dec dsp.Decision) (*Summary, error) {
	s := r.session
	bps := r.target.Format.BytesPerSample()

	n := min(int64(chunk.Samples), r.budget.Max-s.Written)
	if n > 0 {
		if err := s.handle.Append(chunk.Data[:n*int64(bps)]); err != nil {
			return r.abandon(err)
		}
		s.Written += n
		s.Bytes += n * int64(bps)
	}

	if dec.Hit {
		s.PostRemaining = r.budget.PostRoll
		s.Peak = max(s.Peak, dec.Peak)
	} else {
		s.PostRemaining -= int64(chunk.Samples)
	}

	switch {
	case s.Written >= r.budget.Max:
		return r.close(ReasonMaxDuration)
	case s.PostRemaining <= 0:
		return r.close(ReasonPostRoll)
	}

	return nil, nil
}

func (r *Recorder) close(reason Reason) (*Summary, error) {
	s := r.session
	r.session = nil

	meta := r.metadata(s, reason)

	path, err := s.handle.Close(meta)
	summary := &Summary{Metadata: meta, Sequence: s.Identity.Sequence, Path: path, Bytes: s.Bytes}
	summary.OutputFile = path

	if err != nil {
		summary.Reason = ReasonWriterFailure
		return summary, fmt.Errorf("%w: error closing capture %s: %w", ErrWriter, s.Identity.ID, err)
	}

	r.logger.Info("capture saved",
		slog.String("id", s.Identity.ID.String()),
		slog.String("path", path),
		slog.String("reason", reason.String()),
		slog.Int64("samples", s.Written),
		slog.String("size", humanize.IBytes(uint64(s.Bytes))),
		slog.String("duration", fmt.Sprintf("%.3fs", meta.DurationEst)))

	return summary, nil
}

// abandon makes a best-effort close after a failed write and returns to Idle
func (r *Recorder) abandon(cause error) (*Summary, error) {
	s := r.session
	r.session = nil

	meta := r.metadata(s, ReasonWriterFailure)
	path, closeErr := s.handle.Close(meta)

	summary := &Summary{Metadata: meta, Sequence: s.Identity.Sequence, Path: path, Bytes: s.Bytes}
	summary.OutputFile = path

	r.logger.Error("capture abandoned",
		slog.String("id", s.Identity.ID.String()),
		slog.Int64("samples", s.Written),
		slog.String("error", cause.Error()))

	return summary, fmt.Errorf("%w: error writing capture %s: %w", ErrWriter, s.Identity.ID, errors.Join(cause, closeErr))
}

func (r *Recorder) metadata(s *Session, reason Reason) Metadata {
	id := s.Identity

	channels := make([]float64, len(r.profile.Channels))
	for i, ch := range r.profile.Channels {
		channels[i] = float64(ch)
	}

	duration := 0.0
	if id.SampleRate > 0 {
		duration = float64(s.Written) / id.SampleRate
	}

	return Metadata{
		ID:                 id.ID.String(),
		Device:             id.Device,
		Channel:            id.Channel,
		FrequencyHz:        float64(id.FrequencyHz),
		SampleRate:         id.SampleRate,
		Format:             id.Format.String(),
		Timestamp:          id.Start.Format(StampLayout),
		Start:              id.Start,
		End:                id.Start.Add(time.Duration(duration * float64(time.Second))),
		PreSeconds:         r.profile.PreSeconds,
		PostSeconds:        r.profile.PostSeconds,
		MaxSeconds:         r.profile.MaxSeconds,
		EnergyWindowS:      r.profile.EnergyWindowSeconds,
		EnergyHopS:         r.profile.EnergyHopSeconds,
		TriggerDBOverFloor: r.profile.TriggerDBOverFloor,
		NoisePercentile:    r.profile.NoisePercentile,
		NoiseWindows:       r.profile.NoiseWindows,
		TuneSettleS:        r.profile.SettleSeconds,
		ChannelList:        channels,
		Gain:               r.profile.Gain,
		BandwidthHz:        r.profile.BandwidthHz,
		TriggerFloor:       s.Floor,
		TriggerThreshold:   s.Threshold,
		PeakRMS:            s.Peak,
		PreRollSamples:     s.PreRoll,
		SamplesCaptured:    s.Written,
		DurationEst:        duration,
		Reason:             reason,
	}
}
