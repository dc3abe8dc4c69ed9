package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func toCaptureData(scanID int64, s *capture.Summary) *captureData {
	path := s.Path
	if path == "" {
		path = s.OutputFile
	}

	return &captureData{
		ScanID:         scanID,
		CaptureID:      s.ID,
		Sequence:       s.Sequence,
		Path:           path,
		Device:         s.Device,
		Channel:        s.Channel,
		Frequency:      int64(s.FrequencyHz),
		SampleRate:     s.SampleRate,
		Format:         s.Format,
		StartTime:      s.Start.UTC(),
		Samples:        s.SamplesCaptured,
		Bytes:          s.Bytes,
		PreRollSamples: s.PreRollSamples,
		Duration:       s.DurationEst,
		Floor:          s.TriggerFloor,
		Threshold:      s.TriggerThreshold,

		// zero when the capture was abandoned before its first chunk
		Peak: sql.NullFloat64{
			Float64: s.PeakRMS,
			Valid:   s.PeakRMS > 0,
		},
		Reason: s.Reason.String(),
	}
}

func (d *captureData) toCapture() *Capture {
	return &Capture{
		ID:             d.ID,
		ScanID:         d.ScanID,
		CaptureID:      d.CaptureID,
		Sequence:       d.Sequence,
		Path:           d.Path,
		Device:         d.Device,
		Channel:        d.Channel,
		FrequencyHz:    d.Frequency,
		SampleRate:     d.SampleRate,
		Format:         d.Format,
		StartTime:      d.StartTime,
		Samples:        d.Samples,
		Bytes:          d.Bytes,
		PreRollSamples: d.PreRollSamples,
		Duration:       d.Duration,
		Floor:          d.Floor,
		Threshold:      d.Threshold,
		Peak:           d.Peak.Float64,
		Reason:         capture.Reason(d.Reason),
	}
}

func (d *scanData) toScan() (*Scan, error) {
	scan := Scan{
		ID:              d.ID,
		StartTime:       d.StartTime,
		Device:          d.Device,
		Passes:          d.Passes,
		Dwells:          d.Dwells,
		Captures:        d.Captures,
		CapturedSamples: d.CapturedSamples,
		Cancelled:       d.Cancelled,
	}

	if d.EndTime.Valid {
		scan.EndTime = &d.EndTime.Time
	}
	if d.Config.Valid {
		scan.Config = &d.Config.String
	}
	if d.Faults.Valid {
		if err := json.Unmarshal([]byte(d.Faults.String), &scan.Faults); err != nil {
			return nil, fmt.Errorf("unmarshaling faults: %w", err)
		}
	}
	if d.Warnings.Valid {
		if err := json.Unmarshal([]byte(d.Warnings.String), &scan.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshaling warnings: %w", err)
		}
	}

	return &scan, nil
}

func toNullJSON(v any, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}

	p, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(p), Valid: true}, nil
}

func toConfigData(config any) (sql.NullString, error) {
	switch c := config.(type) {
	case nil:
		return sql.NullString{}, nil
	case string:
		return sql.NullString{String: c, Valid: true}, nil
	case []byte:
		return sql.NullString{String: string(c), Valid: true}, nil
	default:
		return toNullJSON(c, false)
	}
}

func faultsJSON(r *scanner.Report) (sql.NullString, error) {
	return toNullJSON(r.Faults, len(r.Faults) == 0)
}

// capturesQuery appends the filter clauses to the captures select
func capturesQuery(f CaptureFilter) (string, []any) {
	var (
		sb    strings.Builder
		where []string
		args  []any
	)

	sb.WriteString(selectCapturesSQL)

	if f.ScanID > 0 {
		where = append(where, "scan_id = ?")
		args = append(args, f.ScanID)
	}
	if f.FrequencyHz > 0 {
		where = append(where, "frequency = ?")
		args = append(args, f.FrequencyHz)
	}
	if !f.Since.IsZero() {
		where = append(where, "start_time >= ?")
		args = append(args, f.Since.UTC())
	}
	if f.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, f.Reason.String())
	}

	if len(where) > 0 {
		sb.WriteString("\nWHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}

	sb.WriteString("\nORDER BY start_time DESC, id DESC")

	if f.Limit > 0 {
		sb.WriteString("\nLIMIT ?")
		args = append(args, f.Limit)
	}

	return sb.String(), args
}
