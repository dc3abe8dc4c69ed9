package storage

import (
	_ "embed"
)

const (
	insertScanSQL = `
INSERT INTO scans (
                   start_time,
                   device,
                   config)
VALUES (?, ?, ?)`

	finishScanSQL = `
UPDATE scans
SET end_time         = ?,
    passes           = ?,
    dwells           = ?,
    captures         = ?,
    captured_samples = ?,
    faults           = ?,
    warnings         = ?,
    cancelled        = ?
WHERE id = ?`

	selectScansSQL = `
SELECT
    id,
    start_time,
    end_time,
    device,
    config,
    passes,
    dwells,
    captures,
    captured_samples,
    faults,
    warnings,
    cancelled
FROM scans
ORDER BY start_time, id`

	insertCaptureSQL = `
INSERT INTO captures (scan_id,
                      capture_id,
                      sequence,
                      path,
                      device,
                      channel,
                      frequency,
                      sample_rate,
                      format,
                      start_time,
                      samples,
                      bytes,
                      pre_roll_samples,
                      duration,
                      floor,
                      threshold,
                      peak,
                      reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectCapturesSQL = `
SELECT
    id,
    scan_id,
    capture_id,
    sequence,
    path,
    device,
    channel,
    frequency,
    sample_rate,
    format,
    start_time,
    samples,
    bytes,
    pre_roll_samples,
    duration,
    floor,
    threshold,
    peak,
    reason
FROM captures`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_captures_scan ON captures (scan_id);
CREATE INDEX IF NOT EXISTS idx_captures_frequency_time ON captures (frequency, start_time);`
)

//go:embed schema.sql
var initSchemaSQL string
