package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roman-kulish/burst-capture/cmd/burstscan/app"
	"github.com/roman-kulish/burst-capture/internal/storage"
)

var (
	configPath string
	filter     storage.CaptureFilter
)

var rootCmd = &cobra.Command{
	Use:           "burstscan",
	Short:         "Scan a channel plan and capture raw I/Q around RF bursts.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	_ = rootCmd.MarkPersistentFlagRequired("config")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the channel plan until done or interrupted",
		Args:  cobra.NoArgs,
		RunE:  scan,
	}
	rootCmd.AddCommand(scanCmd)

	capturesCmd := &cobra.Command{
		Use:   "captures",
		Short: "List catalogued captures, newest first",
		Args:  cobra.NoArgs,
		RunE:  captures,
	}
	capturesCmd.Flags().Int64VarP(&filter.FrequencyHz, "frequency", "f", 0, "Only captures at this center frequency in Hz")
	capturesCmd.Flags().IntVarP(&filter.Limit, "limit", "n", 20, "Maximum number of captures to list")
	capturesCmd.Flags().Int64Var(&filter.ScanID, "scan", 0, "Only captures of this scan")
	rootCmd.AddCommand(capturesCmd)
}

func loadConfig(logLevel *slog.LevelVar) (*app.Config, error) {
	config, err := app.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file %s: %w", configPath, err)
	}

	logLevel.Set(config.Settings.LogLevel)
	return config, nil
}

func scan(cmd *cobra.Command, _ []string) error {
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))

	config, err := loadConfig(&logLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx, config, logger)
}

func captures(cmd *cobra.Command, _ []string) error {
	var logLevel slog.LevelVar

	config, err := loadConfig(&logLevel)
	if err != nil {
		return err
	}

	return app.ListCaptures(cmd.Context(), config, filter, cmd.OutOrStdout())
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}
