package status

import (
	"maps"
	"sync"
	"time"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
)

type State string

const (
	StateStarting State = "starting"
	StateDwelling State = "dwelling"
	StateTuning   State = "tuning"
	StateStopped  State = "stopped"
)

// Snapshot is the scan state served by /status
type Snapshot struct {
	State           State                     `json:"state"`
	Device          string                    `json:"device"`
	Started         time.Time                 `json:"started"`
	Pass            int                       `json:"pass"`
	Channel         int                       `json:"channel"`
	FrequencyHz     int64                     `json:"freq_hz"`
	Dwells          int                       `json:"dwells"`
	Captures        int                       `json:"captures"`
	CapturedSamples int64                     `json:"captured_samples"`
	Faults          map[scanner.FaultKind]int `json:"faults"`
	NoiseFloors     map[int64]float64         `json:"noise_floors"`
	LastCapture     *capture.Metadata         `json:"last_capture,omitempty"`
	LastError       string                    `json:"last_error,omitempty"`
}

// Tracker follows scan events and keeps a snapshot for the status API
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

var _ scanner.Observer = (*Tracker)(nil)

func NewTracker(device string, started time.Time) *Tracker {
	return &Tracker{snap: Snapshot{
		State:       StateStarting,
		Device:      device,
		Started:     started,
		Faults:      make(map[scanner.FaultKind]int),
		NoiseFloors: make(map[int64]float64),
	}}
}

// Snapshot returns a copy of the current state
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.snap
	s.Faults = maps.Clone(t.snap.Faults)
	s.NoiseFloors = maps.Clone(t.snap.NoiseFloors)
	if t.snap.LastCapture != nil {
		last := *t.snap.LastCapture
		s.LastCapture = &last
	}
	return s
}

// Stop marks the scan as finished
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.State = StateStopped
}

func (t *Tracker) DwellStarted(info scanner.DwellInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.State = StateDwelling
	t.snap.Pass = info.Pass
	t.snap.Channel = info.Channel
	t.snap.FrequencyHz = info.FrequencyHz
}

func (t *Tracker) DwellFinished(stats scanner.DwellStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.snap.State != StateStopped {
		t.snap.State = StateTuning
	}
	t.snap.Dwells++
	if stats.Warm {
		t.snap.NoiseFloors[stats.FrequencyHz] = stats.Floor
	}
}

func (t *Tracker) CaptureClosed(summary capture.Summary) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Captures++
	t.snap.CapturedSamples += summary.SamplesCaptured

	meta := summary.Metadata
	t.snap.LastCapture = &meta
}

func (t *Tracker) Fault(f scanner.Fault) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Faults[f.Kind]++
	if f.Err != nil {
		t.snap.LastError = f.Err.Error()
	}
}
