package capture

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/burst-capture/internal/sdr"
)

// StampLayout is the UTC timestamp layout used in capture names and metadata
const StampLayout = "20060102T150405Z"

// ErrWriter is returned when a capture cannot be opened, written or finalized
var ErrWriter = errors.New("capture writer failure")

// Reason tells why a capture was closed
type Reason string

const (
	ReasonPostRoll         Reason = "post-roll"
	ReasonMaxDuration      Reason = "max-duration"
	ReasonDwellEnd         Reason = "dwell-end"
	ReasonCancelled        Reason = "cancelled"
	ReasonTransportFailure Reason = "transport-failure"
	ReasonWriterFailure    Reason = "writer-failure"
)

func (r Reason) String() string {
	return string(r)
}

// Identity names a capture before any sample is written
type Identity struct {
	ID          uuid.UUID
	Device      string
	Channel     int // index into the channel plan
	FrequencyHz int64
	SampleRate  float64
	Format      sdr.Format
	Start       time.Time
	Sequence    int // 1-based capture number within the scan
}

// Profile holds the scan parameters recorded with every capture
type Profile struct {
	PreSeconds          float64
	PostSeconds         float64
	MaxSeconds          float64
	EnergyWindowSeconds float64
	EnergyHopSeconds    float64
	TriggerDBOverFloor  float64
	NoisePercentile     float64
	NoiseWindows        int
	SettleSeconds       float64
	Channels            []int64
	Gain                *float64 // front-end gain in dB, nil when automatic
	BandwidthHz         *float64 // analog filter bandwidth, nil when left to the device
}

// Metadata is the sidecar document written when a capture is finalized
type Metadata struct {
	ID                 string    `json:"id"`
	Device             string    `json:"device"`
	Channel            int       `json:"channel"`
	FrequencyHz        float64   `json:"freq_hz"`
	SampleRate         float64   `json:"rate_sps"`
	Format             string    `json:"format"`
	Timestamp          string    `json:"timestamp_utc"`
	Start              time.Time `json:"start"`
	End                time.Time `json:"end"`
	PreSeconds         float64   `json:"pre_seconds"`
	PostSeconds        float64   `json:"post_seconds"`
	MaxSeconds         float64   `json:"max_capture_s"`
	EnergyWindowS      float64   `json:"energy_window_s"`
	EnergyHopS         float64   `json:"energy_hop_s"`
	TriggerDBOverFloor float64   `json:"trigger_db_over_floor"`
	NoisePercentile    float64   `json:"noise_percentile"`
	NoiseWindows       int       `json:"noise_est_windows"`
	TuneSettleS        float64   `json:"tune_settle_s"`
	ChannelList        []float64 `json:"channel_list"`
	Gain               *float64  `json:"gain"`
	BandwidthHz        *float64  `json:"bandwidth_hz"`
	TriggerFloor       float64   `json:"trigger_floor"`
	TriggerThreshold   float64   `json:"trigger_threshold"`
	PeakRMS            float64   `json:"peak_rms"`
	PreRollSamples     int64     `json:"pre_roll_samples"`
	SamplesCaptured    int64     `json:"samples_captured_complex"`
	DurationEst        float64   `json:"duration_s_est"`
	Reason             Reason    `json:"close_reason"`
	OutputFile         string    `json:"output_file,omitempty"`
}

// Summary describes a closed capture
type Summary struct {
	Metadata
	Sequence int
	Path     string
	Bytes    int64
}

// Writer persists captures
type Writer interface {
	Open(id Identity) (Handle, error)
}

// Handle is an open capture. Close finalizes it with the given metadata and
// returns the location of the written samples.
type Handle interface {
	Append(p []byte) error
	Close(meta Metadata) (string, error)
}
