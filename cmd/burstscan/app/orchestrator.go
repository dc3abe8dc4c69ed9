package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
	"github.com/roman-kulish/burst-capture/internal/storage"
)

const (
	captureQueueSize = 64
	storeTimeout     = 10 * time.Second
)

// WithCaptureQueueSize sets the number of closed captures buffered for the
// catalog
func WithCaptureQueueSize(size int) func(*Orchestrator) {
	return func(o *Orchestrator) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

// Orchestrator records a scan and its captures in the catalog. Captures are
// handed over from the scan loop through a queue and stored in the background.
type Orchestrator struct {
	scanner.NopObserver

	store  storage.Catalog
	logger *slog.Logger

	scanID    int64
	queueSize int
	summaries chan capture.Summary
	dropped   int
	wg        sync.WaitGroup
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(store storage.Catalog, logger *slog.Logger, options ...func(*Orchestrator)) *Orchestrator {
	o := Orchestrator{
		store:     store,
		logger:    logger,
		queueSize: captureQueueSize,
	}

	for _, option := range options {
		option(&o)
	}

	return &o
}

// Begin registers the scan and starts storing captures
func (o *Orchestrator) Begin(ctx context.Context, device string, config any) error {
	scanID, err := o.store.CreateScan(ctx, device, config)
	if err != nil {
		return fmt.Errorf("creating scan: %w", err)
	}

	o.scanID = scanID
	o.summaries = make(chan capture.Summary, o.queueSize)

	o.wg.Add(1)
	go o.handleCaptures()

	o.logger.Info("scan registered in catalog", slog.Int64("scan", scanID))
	return nil
}

// ScanID returns the catalog identifier of the scan
func (o *Orchestrator) ScanID() int64 {
	return o.scanID
}

// Dropped returns the number of captures not catalogued because the queue was
// full
func (o *Orchestrator) Dropped() int {
	return o.dropped
}

// CaptureClosed queues the capture for the catalog. The capture file is
// already on disk, so a full queue only loses the catalog row.
func (o *Orchestrator) CaptureClosed(summary capture.Summary) {
	if o.summaries == nil {
		return
	}

	select {
	case o.summaries <- summary:
	default:
		o.dropped++
		o.logger.Warn("catalog queue full, capture not catalogued",
			slog.String("capture", summary.ID),
			slog.String("path", summary.Path),
			slog.Int("dropped", o.dropped))
	}
}

// Finish stores the remaining captures and the scan report
func (o *Orchestrator) Finish(report *scanner.Report) error {
	if o.summaries == nil {
		return nil
	}

	close(o.summaries)
	o.wg.Wait()
	o.summaries = nil

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := o.store.FinishScan(ctx, o.scanID, report); err != nil {
		return fmt.Errorf("finishing scan %d: %w", o.scanID, err)
	}
	return nil
}

func (o *Orchestrator) handleCaptures() {
	defer o.wg.Done()

	for summary := range o.summaries {
		if err := o.storeCapture(summary); err != nil {
			o.logger.Error(err.Error(), slog.String("capture", summary.ID))
		}
	}
}

func (o *Orchestrator) storeCapture(summary capture.Summary) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if _, err := o.store.StoreCapture(ctx, o.scanID, summary); err != nil {
		return fmt.Errorf("storing capture: %w", err)
	}
	return nil
}
