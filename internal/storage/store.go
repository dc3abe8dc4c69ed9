package storage

import (
	"context"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
)

// Catalog records scans and the captures they produced. Capture files live on
// disk; the catalog only indexes them.
type Catalog interface {
	// CreateScan registers a new scan and returns its unique identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - device: Description of the sample source (e.g., "RTL-SDR", "HackRF")
	//   - config: Optional scan configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - scanID: Unique identifier for the created scan
	//   - error: If scan creation fails or context is cancelled
	CreateScan(ctx context.Context, device string, config any) (scanID int64, err error)

	// FinishScan stores the final report of a scan.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - scanID: ID returned by CreateScan
	//   - report: Scan report returned by the scanner
	//
	// Returns:
	//   - error: If the scan does not exist, storage fails or context is cancelled
	FinishScan(ctx context.Context, scanID int64, report *scanner.Report) error

	// StoreCapture indexes a closed capture.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - scanID: ID of the scan the capture belongs to
	//   - summary: Summary of the closed capture
	//
	// Returns:
	//   - captureID: Row identifier of the stored capture
	//   - error: If storage fails or context is cancelled
	StoreCapture(ctx context.Context, scanID int64, summary capture.Summary) (captureID int64, err error)

	// Captures returns the captures matching the filter, newest first.
	Captures(ctx context.Context, filter CaptureFilter) ([]*Capture, error)

	// Scans returns all scans ordered by start time in ascending order.
	Scans(ctx context.Context) ([]*Scan, error)

	// Close releases all database connections and resources.
	// It is safe to call Close multiple times.
	Close() error
}
