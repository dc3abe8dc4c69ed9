package scanner

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/sdr"
)

const (
	testRate    = 256_000 // one 256 sample chunk per millisecond
	testChunk   = 256
	noise       = int16(100)
	loud        = int16(3000)
	readTimeout = 5 * time.Millisecond
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeSource produces chunks from script and advances the clock by the
// duration of every chunk read
type fakeSource struct {
	clock  *fakeClock
	script func(freq int64, read int) (sdr.Chunk, error)

	freq      int64
	read      int // reads since the last retune
	tunes     []int64
	retuneErr map[int64]error
}

func (s *fakeSource) Retune(_ context.Context, freq int64) error {
	s.tunes = append(s.tunes, freq)
	if err := s.retuneErr[freq]; err != nil {
		return err
	}
	s.freq = freq
	s.read = 0
	return nil
}

func (s *fakeSource) Settle(context.Context, time.Duration) error { return nil }

func (s *fakeSource) ReadChunk(_ context.Context, _ int, timeout time.Duration) (sdr.Chunk, error) {
	c, err := s.script(s.freq, s.read)
	s.read++
	if c.IsEmpty() {
		s.clock.Advance(timeout)
	} else {
		s.clock.Advance(time.Duration(float64(c.Samples) / testRate * float64(time.Second)))
	}
	return c, err
}

func (s *fakeSource) Format() sdr.Format  { return sdr.FormatCS16 }
func (s *fakeSource) SampleRate() float64 { return testRate }
func (s *fakeSource) Device() string      { return "fake" }
func (s *fakeSource) Close() error        { return nil }

type configurableSource struct {
	*fakeSource
	settings []sdr.Setting
}

func (s *configurableSource) Settings() []sdr.Setting { return s.settings }

func chunkOf(amplitude int16) sdr.Chunk {
	data := make([]byte, testChunk*4)
	for i := 0; i < testChunk; i++ {
		binary.LittleEndian.PutUint16(data[i*4:], uint16(amplitude))
	}
	return sdr.Chunk{Data: data, Samples: testChunk}
}

type memWriter struct {
	opened   []capture.Identity
	failOpen bool
}

type memHandle struct{ buf bytes.Buffer }

func (w *memWriter) Open(id capture.Identity) (capture.Handle, error) {
	if w.failOpen {
		return nil, errors.New("read-only filesystem")
	}
	w.opened = append(w.opened, id)
	return &memHandle{}, nil
}

func (h *memHandle) Append(p []byte) error { h.buf.Write(p); return nil }
func (h *memHandle) Close(capture.Metadata) (string, error) {
	return "mem", nil
}

type recordingObserver struct {
	NopObserver
	dwells   []DwellStats
	captures []capture.Summary
	faults   []Fault
}

func (o *recordingObserver) DwellFinished(s DwellStats) { o.dwells = append(o.dwells, s) }
func (o *recordingObserver) Fault(f Fault)              { o.faults = append(o.faults, f) }
func (o *recordingObserver) CaptureClosed(s capture.Summary) {
	o.captures = append(o.captures, s)
}

func testParams() Params {
	return Params{
		Window:       testChunk,
		Hop:          testChunk,
		NoiseWindows: 10,
		Percentile:   20,
		DBOverFloor:  8,
		PreRoll:      2 * testChunk,
		PostRoll:     50 * testChunk,
		MaxCapture:   1000 * testChunk,
		ReadSize:     testChunk,
		ReadTimeout:  readTimeout,
	}
}

func newTestScanner(t *testing.T, src sdr.Source, clock *fakeClock, w capture.Writer, plan Plan, options ...func(*Scanner)) *Scanner {
	t.Helper()

	options = append([]func(*Scanner){WithClock(clock.Now)}, options...)
	s, err := New(src, w, plan, testParams(), options...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestScanner_UniformNoiseNeverTriggers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &fakeSource{clock: clock, script: func(int64, int) (sdr.Chunk, error) {
		return chunkOf(noise), nil
	}}
	w := &memWriter{}
	obs := &recordingObserver{}

	s := newTestScanner(t, src, clock, w, Plan{Channels: []int64{868_100_000}, Dwell: 100 * time.Millisecond, Passes: 1}, WithObserver(obs))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Captures != 0 || len(w.opened) != 0 {
		t.Errorf("Expected no captures, got %d (%d opened)", report.Captures, len(w.opened))
	}
	if len(obs.dwells) != 1 {
		t.Fatalf("Expected 1 dwell, got %d", len(obs.dwells))
	}
	if d := obs.dwells[0]; d.Chunks != 100 || d.Triggers != 0 || !d.Warm {
		t.Errorf("Unexpected dwell stats: %+v", d)
	}
	if report.Passes != 1 || report.Dwells != 1 {
		t.Errorf("Expected 1 pass and 1 dwell, got %d/%d", report.Passes, report.Dwells)
	}
}

func TestScanner_DwellEndsMidRecording(t *testing.T) {
	const chA, chB = 868_100_000, 868_300_000

	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &fakeSource{clock: clock, script: func(freq int64, read int) (sdr.Chunk, error) {
		if freq == chA {
			if read < 20 {
				return chunkOf(noise), nil
			}
			return chunkOf(loud), nil
		}
		// a state leaked from the first channel would trigger on this
		return chunkOf(20000), nil
	}}
	w := &memWriter{}
	obs := &recordingObserver{}

	s := newTestScanner(t, src, clock, w, Plan{Channels: []int64{chA, chB}, Dwell: 30 * time.Millisecond, Passes: 1}, WithObserver(obs))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(obs.captures) != 1 {
		t.Fatalf("Expected 1 capture, got %d", len(obs.captures))
	}

	c := obs.captures[0]
	if c.Reason != capture.ReasonDwellEnd {
		t.Errorf("Expected reason %s, got %s", capture.ReasonDwellEnd, c.Reason)
	}
	want := int64(2*testChunk + 10*testChunk) // pre-roll plus the loud chunks
	if c.SamplesCaptured != want {
		t.Errorf("Expected %d samples, got %d", want, c.SamplesCaptured)
	}
	if c.SamplesCaptured >= testParams().PostRoll || c.FrequencyHz != chA {
		t.Errorf("Unexpected capture: %+v", c.Metadata)
	}

	if len(obs.dwells) != 2 {
		t.Fatalf("Expected 2 dwells, got %d", len(obs.dwells))
	}
	if b := obs.dwells[1]; b.Triggers != 0 || b.Captures != 0 || !b.Warm {
		t.Errorf("Second channel did not start cold: %+v", b)
	}
	if report.Captures != 1 {
		t.Errorf("Expected 1 capture in report, got %d", report.Captures)
	}
}

func TestScanner_CancelFinalizes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &fakeSource{clock: clock, script: func(_ int64, read int) (sdr.Chunk, error) {
		if read == 15 {
			cancel()
		}
		if read < 12 {
			return chunkOf(noise), nil
		}
		return chunkOf(loud), nil
	}}
	obs := &recordingObserver{}

	s := newTestScanner(t, src, clock, &memWriter{}, Plan{Channels: []int64{868_100_000}, Dwell: time.Hour}, WithObserver(obs))

	report, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Expected nil error on cancellation, got %v", err)
	}
	if !report.Cancelled {
		t.Error("Expected report marked cancelled")
	}
	if len(obs.captures) != 1 || obs.captures[0].Reason != capture.ReasonCancelled {
		t.Fatalf("Expected one cancelled capture, got %+v", obs.captures)
	}
}

func TestScanner_TransportFailure(t *testing.T) {
	const chA, chB = 868_100_000, 868_300_000

	script := func(freq int64, read int) (sdr.Chunk, error) {
		if freq == chA && read == 14 {
			return sdr.Chunk{}, errors.New("usb transfer error")
		}
		if freq == chA && read >= 12 {
			return chunkOf(loud), nil
		}
		return chunkOf(noise), nil
	}

	t.Run("continues with next channel", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		obs := &recordingObserver{}
		s := newTestScanner(t, &fakeSource{clock: clock, script: script}, clock, &memWriter{},
			Plan{Channels: []int64{chA, chB}, Dwell: 20 * time.Millisecond, Passes: 1}, WithObserver(obs))

		report, err := s.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}

		if report.Faults[FaultTransport] != 1 || len(obs.faults) != 1 {
			t.Fatalf("Expected one transport fault, got %v", report.Faults)
		}
		f := obs.faults[0]
		if !errors.Is(f.Err, sdr.ErrTransport) || f.FrequencyHz != chA {
			t.Errorf("Unexpected fault: %+v", f)
		}
		if f.SamplesWritten != 2*testChunk+2*testChunk {
			t.Errorf("Expected %d samples reported, got %d", 4*testChunk, f.SamplesWritten)
		}
		if len(obs.captures) != 1 || obs.captures[0].Reason != capture.ReasonTransportFailure {
			t.Errorf("Expected capture closed on transport failure, got %+v", obs.captures)
		}
		if len(obs.dwells) != 2 || !obs.dwells[0].Aborted || obs.dwells[1].Aborted {
			t.Errorf("Expected first dwell aborted and second completed: %+v", obs.dwells)
		}
	})

	t.Run("abort", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1000, 0)}
		s := newTestScanner(t, &fakeSource{clock: clock, script: script}, clock, &memWriter{},
			Plan{Channels: []int64{chA, chB}, Dwell: 20 * time.Millisecond, Passes: 1},
			WithFailures(Failures{AbortOnTransportFailure: true}))

		_, err := s.Run(context.Background())
		if !errors.Is(err, sdr.ErrTransport) {
			t.Fatalf("Expected ErrTransport, got %v", err)
		}
	})
}

func TestScanner_RetuneFailure(t *testing.T) {
	const chA, chB = 868_100_000, 868_300_000

	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &fakeSource{
		clock:     clock,
		script:    func(int64, int) (sdr.Chunk, error) { return chunkOf(noise), nil },
		retuneErr: map[int64]error{chA: errors.New("PLL not locked")},
	}
	obs := &recordingObserver{}

	s := newTestScanner(t, src, clock, &memWriter{}, Plan{Channels: []int64{chA, chB}, Dwell: 10 * time.Millisecond, Passes: 2}, WithObserver(obs))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Faults[FaultRetune] != 2 {
		t.Errorf("Expected 2 retune faults, got %d", report.Faults[FaultRetune])
	}
	if !errors.Is(obs.faults[0].Err, sdr.ErrRetune) {
		t.Errorf("Expected ErrRetune, got %v", obs.faults[0].Err)
	}
	if report.Dwells != 2 || report.Passes != 2 {
		t.Errorf("Expected 2 dwells over 2 passes, got %d/%d", report.Dwells, report.Passes)
	}
}

func TestScanner_TooManyFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &fakeSource{
		clock:     clock,
		script:    func(int64, int) (sdr.Chunk, error) { return chunkOf(noise), nil },
		retuneErr: map[int64]error{868_100_000: errors.New("device gone")},
	}

	s := newTestScanner(t, src, clock, &memWriter{}, Plan{Channels: []int64{868_100_000}, Dwell: time.Second})

	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrTooManyFailures) {
		t.Fatalf("Expected ErrTooManyFailures, got %v", err)
	}
	if len(src.tunes) != DefaultMaxConsecutiveFailures {
		t.Errorf("Expected %d retune attempts, got %d", DefaultMaxConsecutiveFailures, len(src.tunes))
	}
}

func TestScanner_EmptyReadsHonourDwell(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &fakeSource{clock: clock, script: func(int64, int) (sdr.Chunk, error) {
		return sdr.Chunk{}, nil
	}}
	obs := &recordingObserver{}

	s := newTestScanner(t, src, clock, &memWriter{}, Plan{Channels: []int64{868_100_000}, Dwell: 50 * time.Millisecond, Passes: 1}, WithObserver(obs))

	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if d := obs.dwells[0]; d.EmptyReads != 10 || d.Chunks != 0 {
		t.Errorf("Expected 10 empty reads, got %+v", d)
	}
}

func TestScanner_SettingsAndWriterFaults(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	src := &configurableSource{
		fakeSource: &fakeSource{clock: clock, script: func(_ int64, read int) (sdr.Chunk, error) {
			if read == 15 {
				return chunkOf(loud), nil
			}
			return chunkOf(noise), nil
		}},
		settings: []sdr.Setting{
			{Name: "gain", Value: "40", Apply: func(context.Context) error { return nil }},
			{Name: "antenna", Value: "LNAW", Apply: func(context.Context) error { return errors.New("unsupported") }},
		},
	}
	obs := &recordingObserver{}

	s := newTestScanner(t, src, clock, &memWriter{failOpen: true}, Plan{Channels: []int64{868_100_000}, Dwell: 30 * time.Millisecond, Passes: 1}, WithObserver(obs))

	report, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Warnings) != 1 || report.Faults[FaultSetting] != 1 {
		t.Errorf("Expected one setting warning, got %v / %v", report.Warnings, report.Faults)
	}
	if report.Faults[FaultWriter] != 1 {
		t.Errorf("Expected one writer fault, got %d", report.Faults[FaultWriter])
	}
	if !errors.Is(obs.faults[len(obs.faults)-1].Err, capture.ErrWriter) {
		t.Errorf("Expected ErrWriter, got %v", obs.faults[len(obs.faults)-1].Err)
	}
	if obs.dwells[0].Chunks != 30 {
		t.Errorf("Expected dwell to continue after writer failure, got %d chunks", obs.dwells[0].Chunks)
	}
}

func TestNew_Validation(t *testing.T) {
	clock := &fakeClock{}
	src := &fakeSource{clock: clock}

	if _, err := New(src, &memWriter{}, Plan{}, testParams()); err == nil {
		t.Error("Expected error for empty plan")
	}

	bad := testParams()
	bad.Hop = bad.Window + 1
	if _, err := New(src, &memWriter{}, Plan{Channels: EU868Channels, Dwell: time.Second}, bad); err == nil {
		t.Error("Expected error for hop above window")
	}
	if _, err := New(nil, &memWriter{}, Plan{Channels: EU868Channels, Dwell: time.Second}, testParams()); err == nil {
		t.Error("Expected error without source")
	}
}
