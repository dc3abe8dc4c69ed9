package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/storage"
)

// ListCaptures prints the catalogued captures matching filter, newest first
func ListCaptures(ctx context.Context, config *Config, filter storage.CaptureFilter, out io.Writer) (err error) {
	if config.Storage.DataDirectory == "" {
		return errors.New("storage is not configured: set storage.dataDirectory")
	}

	store := storage.NewSqliteStore(filepath.Join(config.Storage.DataDirectory, catalogFile))
	defer closeWithError(store, &err)

	captures, err := store.Captures(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing captures: %w", err)
	}

	return printCaptures(out, captures)
}

func printCaptures(out io.Writer, captures []*storage.Capture) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "START\tFREQUENCY\tDURATION\tSIZE\tPEAK/FLOOR\tREASON\tPATH")
	for _, c := range captures {
		ratio := "-"
		if c.Floor > 0 {
			ratio = fmt.Sprintf("%.1fx", c.Peak/c.Floor)
		}

		fmt.Fprintf(tw, "%s\t%s\t%.3fs\t%s\t%s\t%s\t%s\n",
			c.StartTime.UTC().Format(capture.StampLayout),
			humanize.SIWithDigits(float64(c.FrequencyHz), 3, "Hz"),
			c.Duration,
			humanize.IBytes(uint64(c.Bytes)),
			ratio,
			c.Reason,
			c.Path)
	}

	return tw.Flush()
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
