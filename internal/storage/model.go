package storage

import (
	"time"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
)

// Scan is a single run of the scanner
type Scan struct {
	ID              int64
	StartTime       time.Time
	EndTime         *time.Time // nil while the scan is running or if it crashed
	Device          string
	Config          *string
	Passes          int
	Dwells          int
	Captures        int
	CapturedSamples int64
	Faults          map[scanner.FaultKind]int
	Warnings        []string
	Cancelled       bool
}

// Capture is a catalogued capture file
type Capture struct {
	ID             int64          `json:"id"`
	ScanID         int64          `json:"scan_id"`
	CaptureID      string         `json:"capture_id"`
	Sequence       int            `json:"sequence"`
	Path           string         `json:"path"`
	Device         string         `json:"device"`
	Channel        int            `json:"channel"`
	FrequencyHz    int64          `json:"freq_hz"`
	SampleRate     float64        `json:"rate_sps"`
	Format         string         `json:"format"`
	StartTime      time.Time      `json:"start"`
	Samples        int64          `json:"samples"`
	Bytes          int64          `json:"bytes"`
	PreRollSamples int64          `json:"pre_roll_samples"`
	Duration       float64        `json:"duration_s"`
	Floor          float64        `json:"trigger_floor"`
	Threshold      float64        `json:"trigger_threshold"`
	Peak           float64        `json:"peak_rms"`
	Reason         capture.Reason `json:"close_reason"`
}

// CaptureFilter narrows a catalog query. Zero values match everything.
type CaptureFilter struct {
	ScanID      int64
	FrequencyHz int64
	Since       time.Time
	Reason      capture.Reason
	Limit       int
}
