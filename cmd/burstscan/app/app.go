package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/capture/iqfile"
	"github.com/roman-kulish/burst-capture/internal/metrics"
	"github.com/roman-kulish/burst-capture/internal/notify"
	"github.com/roman-kulish/burst-capture/internal/scanner"
	"github.com/roman-kulish/burst-capture/internal/sdr"
	"github.com/roman-kulish/burst-capture/internal/sdr/file"
	"github.com/roman-kulish/burst-capture/internal/sdr/hackrf"
	"github.com/roman-kulish/burst-capture/internal/sdr/rtl"
	"github.com/roman-kulish/burst-capture/internal/sdr/rtltcp"
	"github.com/roman-kulish/burst-capture/internal/status"
	"github.com/roman-kulish/burst-capture/internal/storage"
)

// Run opens the source and scans until the plan is exhausted or ctx is
// cancelled
func Run(ctx context.Context, config *Config, logger *slog.Logger) (err error) {
	started := time.Now()

	source, err := createSource(ctx, &config.Source, logger)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	defer func() {
		if cErr := source.Close(); cErr != nil {
			logger.Warn("closing source", slog.String("error", cErr.Error()))
		}
	}()

	writer, err := createWriter(&config.Capture, logger)
	if err != nil {
		return fmt.Errorf("failed to create capture writer: %w", err)
	}

	collector := metrics.New(config.Status.MetricsNamespace)
	tracker := status.NewTracker(source.Device(), started)
	defer tracker.Stop()

	options := []func(*scanner.Scanner){
		scanner.WithLogger(logger),
		scanner.WithObserver(collector),
		scanner.WithObserver(tracker),
		scanner.WithFailures(scanner.Failures{
			AbortOnTransportFailure: config.Failures.AbortOnTransportFailure,
			MaxConsecutiveFailures:  config.Failures.MaxConsecutiveFailures,
		}),
		scanner.WithProfile(profile(config)),
	}

	var report *scanner.Report
	var catalog *storage.SqliteStore
	if config.Storage.DataDirectory != "" {
		if catalog, err = createCatalog(&config.Storage); err != nil {
			return fmt.Errorf("failed to create storage: %w", err)
		}
		defer catalog.Close()

		recorded := *config
		recorded.MQTT.Password = ""

		orchestrator := NewOrchestrator(catalog, logger)
		if err = orchestrator.Begin(ctx, source.Device(), &recorded); err != nil {
			return err
		}
		defer func() {
			finished := report
			if finished == nil {
				finished = &scanner.Report{Start: started, End: time.Now(), Faults: make(map[scanner.FaultKind]int)}
			}
			if fErr := orchestrator.Finish(finished); fErr != nil {
				logger.Error(fErr.Error())
			}
		}()
		options = append(options, scanner.WithObserver(orchestrator))
	}

	if config.MQTT.Enabled {
		notifier, nErr := createNotifier(&config.MQTT, logger)
		if nErr != nil {
			return fmt.Errorf("failed to create mqtt notifier: %w", nErr)
		}
		defer func() {
			if cErr := notifier.Close(); cErr != nil {
				logger.Warn("closing mqtt notifier", slog.String("error", cErr.Error()))
			}
		}()
		options = append(options, scanner.WithObserver(notifier))
	}

	plan := config.Plan.Plan()
	s, err := scanner.New(source, writer, plan, params(config), options...)
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	if config.Status.Listen != "" {
		serverOptions := []func(*status.Server){
			status.WithLogger(logger),
			status.WithMetrics(collector.Handler()),
		}
		if catalog != nil {
			serverOptions = append(serverOptions, status.WithCatalog(catalog))
		}

		serverCtx, stopServer := context.WithCancel(context.Background())
		serverDone := make(chan error, 1)
		go func() {
			serverDone <- status.NewServer(tracker, serverOptions...).ListenAndServe(serverCtx, config.Status.Listen)
		}()
		defer func() {
			stopServer()
			if sErr := <-serverDone; sErr != nil {
				logger.Error("status api failed", slog.String("error", sErr.Error()))
			}
		}()
	}

	report, err = s.Run(ctx)

	if report != nil {
		logReport(logger, report)
	}

	return err
}

func createSource(ctx context.Context, config *SourceConfig, logger *slog.Logger) (sdr.Source, error) {
	var handler sdr.Handler
	var err error

	switch config.Type {
	case SourceRTLSDR:
		if handler, err = rtl.New(config.RTLSDR, config.SampleRate); err != nil {
			return nil, fmt.Errorf("creating RTL-SDR device: %w", err)
		}

	case SourceHackRF:
		if handler, err = hackrf.New(config.HackRF, config.SampleRate); err != nil {
			return nil, fmt.Errorf("creating HackRF device: %w", err)
		}

	case SourceRTLTCP:
		tcpConfig := *config.RTLTCP
		tcpConfig.DialTimeout = time.Duration(config.DialTimeout)

		client, err := rtltcp.Dial(ctx, &tcpConfig, config.SampleRate, rtltcp.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("connecting to rtl_tcp: %w", err)
		}
		return client, nil

	case SourceFile:
		format, err := sdr.ParseFormat(config.Format)
		if err != nil {
			return nil, err
		}

		source, err := file.Open(config.File, format, config.SampleRate, file.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("opening sample file: %w", err)
		}
		return source, nil

	default:
		return nil, fmt.Errorf("creating source: unknown type '%s'", config.Type)
	}

	return sdr.NewProcessSource(handler,
		sdr.WithLogger(logger),
		sdr.WithQueueDepth(config.QueueDepth),
		sdr.WithReadSamples(config.ReadSize)), nil
}

func createWriter(config *CaptureConfig, logger *slog.Logger) (*iqfile.Writer, error) {
	minFree, err := config.MinFreeBytes()
	if err != nil {
		return nil, err
	}

	return iqfile.New(iqfile.Config{
		Directory:    config.OutputDir,
		Prefix:       config.Prefix,
		Compression:  config.Compression,
		MinFreeBytes: minFree,
	}, iqfile.WithLogger(logger))
}

func createCatalog(config *StorageConfig) (*storage.SqliteStore, error) {
	stat, err := os.Stat(config.DataDirectory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", config.DataDirectory, err)
		}
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", config.DataDirectory)
	}

	return storage.NewSqliteStore(filepath.Join(config.DataDirectory, catalogFile)), nil
}

func createNotifier(config *MQTTConfig, logger *slog.Logger) (*notify.Notifier, error) {
	publisher, err := notify.DialMQTT(config.Config, logger)
	if err != nil {
		return nil, err
	}

	n, err := notify.New(publisher, config.Topic, notify.WithLogger(logger), notify.WithQueueSize(config.QueueSize))
	if err != nil {
		return nil, errors.Join(err, publisher.Close())
	}
	return n, nil
}

func params(config *Config) scanner.Params {
	rate := config.Source.SampleRate

	p := scanner.ParamsFromDurations(rate,
		time.Duration(config.Detector.EnergyWindow),
		time.Duration(config.Detector.EnergyHop),
		time.Duration(config.Capture.PreRoll),
		time.Duration(config.Capture.PostRoll),
		time.Duration(config.Capture.MaxDuration))

	p.NoiseWindows = config.Detector.NoiseWindows
	p.Percentile = config.Detector.NoisePercentile
	p.DBOverFloor = config.Detector.TriggerDBOverFloor
	p.ReadSize = config.Source.ReadSize
	p.ReadTimeout = time.Duration(config.Source.ReadTimeout)

	return p
}

func profile(config *Config) capture.Profile {
	gain, bandwidth := config.Source.FrontEnd()

	return capture.Profile{
		PreSeconds:          time.Duration(config.Capture.PreRoll).Seconds(),
		PostSeconds:         time.Duration(config.Capture.PostRoll).Seconds(),
		MaxSeconds:          time.Duration(config.Capture.MaxDuration).Seconds(),
		EnergyWindowSeconds: time.Duration(config.Detector.EnergyWindow).Seconds(),
		EnergyHopSeconds:    time.Duration(config.Detector.EnergyHop).Seconds(),
		TriggerDBOverFloor:  config.Detector.TriggerDBOverFloor,
		NoisePercentile:     config.Detector.NoisePercentile,
		NoiseWindows:        config.Detector.NoiseWindows,
		SettleSeconds:       time.Duration(config.Plan.Settle).Seconds(),
		Channels:            config.Plan.Channels,
		Gain:                gain,
		BandwidthHz:         bandwidth,
	}
}

func logReport(logger *slog.Logger, r *scanner.Report) {
	attrs := []any{
		slog.Int("passes", r.Passes),
		slog.Int("dwells", r.Dwells),
		slog.Int("captures", r.Captures),
		slog.String("captured", humanize.Comma(r.CapturedSamples)+" samples"),
		slog.Duration("elapsed", r.End.Sub(r.Start).Round(time.Millisecond)),
		slog.Bool("cancelled", r.Cancelled),
	}
	for kind, n := range r.Faults {
		attrs = append(attrs, slog.Int("faults."+string(kind), n))
	}

	logger.Info("scan report", attrs...)

	for _, w := range r.Warnings {
		logger.Warn(w)
	}
}
