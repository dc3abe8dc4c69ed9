package storage

import (
	"database/sql"
	"time"
)

type scanData struct {
	ID              int64
	StartTime       time.Time
	EndTime         sql.NullTime
	Device          string
	Config          sql.NullString
	Passes          int
	Dwells          int
	Captures        int
	CapturedSamples int64
	Faults          sql.NullString
	Warnings        sql.NullString
	Cancelled       bool
}

type captureData struct {
	ID             int64
	ScanID         int64
	CaptureID      string
	Sequence       int
	Path           string
	Device         string
	Channel        int
	Frequency      int64
	SampleRate     float64
	Format         string
	StartTime      time.Time
	Samples        int64
	Bytes          int64
	PreRollSamples int64
	Duration       float64
	Floor          float64
	Threshold      float64
	Peak           sql.NullFloat64
	Reason         string
}
