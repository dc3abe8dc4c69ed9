package scanner

import (
	"time"

	"github.com/roman-kulish/burst-capture/internal/capture"
)

type FaultKind string

const (
	FaultTransport FaultKind = "transport"
	FaultRetune    FaultKind = "retune"
	FaultWriter    FaultKind = "writer"
	FaultSetting   FaultKind = "setting"
)

// Fault describes a failure with enough context to tell what was lost
type Fault struct {
	Kind           FaultKind
	Pass           int
	Channel        int
	FrequencyHz    int64
	Timestamp      time.Time
	SamplesWritten int64 // samples in the capture that was open, if any
	BytesWritten   int64
	Err            error
}

// DwellInfo identifies one visit to a channel
type DwellInfo struct {
	Pass        int
	Channel     int
	FrequencyHz int64
	Start       time.Time
}

// DwellStats summarises a finished dwell
type DwellStats struct {
	DwellInfo
	End        time.Time
	Chunks     int
	EmptyReads int
	Samples    int64
	Windows    int
	Triggers   int // chunks with at least one window over the threshold
	Captures   int
	Floor      float64
	Warm       bool
	Aborted    bool // ended by a fault rather than the dwell timer
}

// Observer receives scan events. Calls are made synchronously from the scan
// loop and must not block.
type Observer interface {
	DwellStarted(info DwellInfo)
	DwellFinished(stats DwellStats)
	CaptureClosed(summary capture.Summary)
	Fault(fault Fault)
}

// NopObserver ignores all events; embed it to implement a subset
type NopObserver struct{}

func (NopObserver) DwellStarted(DwellInfo)        {}
func (NopObserver) DwellFinished(DwellStats)      {}
func (NopObserver) CaptureClosed(capture.Summary) {}
func (NopObserver) Fault(Fault)                   {}

// Report is returned by Run
type Report struct {
	Start           time.Time
	End             time.Time
	Passes          int // completed passes
	Dwells          int
	Captures        int
	CapturedSamples int64
	Faults          map[FaultKind]int
	Warnings        []string
	Cancelled       bool
}
