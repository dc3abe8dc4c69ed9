package iqfile

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/roman-kulish/burst-capture/internal/capture"
)

const (
	DefaultPrefix = "capture"
	SidecarSuffix = ".json"

	bufferSize = 1 << 20
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Config configures where and how captures are written
type Config struct {
	Directory    string
	Prefix       string
	Compression  Compression
	MinFreeBytes uint64 // Open fails when the filesystem has less free space
}

func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.New("iqfile.Config: directory is required")
	}
	switch c.Compression {
	case "", CompressionNone, CompressionZstd:
	default:
		return fmt.Errorf("iqfile.Config: unsupported compression: %s", c.Compression)
	}
	return nil
}

// WithLogger sets the logger for the writer
func WithLogger(logger *slog.Logger) func(w *Writer) {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithFreeSpace overrides the free space probe, used by tests
func WithFreeSpace(free func(path string) (uint64, error)) func(w *Writer) {
	return func(w *Writer) {
		w.freeSpace = free
	}
}

// Writer stores each capture as a raw interleaved I/Q file, optionally zstd
// compressed, with a JSON sidecar written once the samples are on disk. The
// presence of the sidecar marks a finalized capture.
type Writer struct {
	config    Config
	logger    *slog.Logger
	freeSpace func(path string) (uint64, error)
}

// New creates the output directory and returns a Writer
func New(config Config, options ...func(w *Writer)) (*Writer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}

	if err := os.MkdirAll(config.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	w := Writer{
		config:    config,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		freeSpace: diskFree,
	}

	for _, option := range options {
		option(&w)
	}

	return &w, nil
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// FileName returns the capture file name for id, e.g.
// EU868_868100000Hz_5000000sps_cs16_20250101T000000Z_cap01.cs16
func (w *Writer) FileName(id capture.Identity) string {
	format := id.Format.String()
	name := fmt.Sprintf("%s_%dHz_%.0fsps_%s_%s_cap%02d.%s",
		w.config.Prefix,
		id.FrequencyHz,
		id.SampleRate,
		format,
		id.Start.UTC().Format(capture.StampLayout),
		id.Sequence,
		format)

	if w.config.Compression == CompressionZstd {
		name += ".zst"
	}
	return name
}

func (w *Writer) Open(id capture.Identity) (capture.Handle, error) {
	if w.config.MinFreeBytes > 0 {
		free, err := w.freeSpace(w.config.Directory)
		if err != nil {
			return nil, fmt.Errorf("checking free space: %w", err)
		}
		if free < w.config.MinFreeBytes {
			return nil, fmt.Errorf("insufficient free space in %s: %s available, %s required",
				w.config.Directory, humanize.IBytes(free), humanize.IBytes(w.config.MinFreeBytes))
		}
	}

	path := filepath.Join(w.config.Directory, w.FileName(id))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}

	h := handle{path: path, f: f, logger: w.logger}

	if w.config.Compression == CompressionZstd {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		h.enc = enc
		h.buf = bufio.NewWriterSize(enc, bufferSize)
	} else {
		h.buf = bufio.NewWriterSize(f, bufferSize)
	}

	w.logger.Debug("capture file created", slog.String("path", path))

	return &h, nil
}

type handle struct {
	path   string
	f      *os.File
	enc    *zstd.Encoder
	buf    *bufio.Writer
	logger *slog.Logger

	written int64
	closed  bool
}

func (h *handle) Append(p []byte) error {
	if h.closed {
		return fmt.Errorf("append to closed capture %s", h.path)
	}

	n, err := h.buf.Write(p)
	h.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing samples: %w", err)
	}
	return nil
}

// Close flushes and syncs the samples, then writes the sidecar
func (h *handle) Close(meta capture.Metadata) (path string, err error) {
	if h.closed {
		return h.path, nil
	}
	h.closed = true

	if err = h.finish(); err != nil {
		return h.path, err
	}

	meta.OutputFile = h.path
	if err = writeSidecar(h.path+SidecarSuffix, meta); err != nil {
		return h.path, fmt.Errorf("writing sidecar: %w", err)
	}

	return h.path, nil
}

func (h *handle) finish() (err error) {
	defer closeWithError(h.f, &err)

	if err = h.buf.Flush(); err != nil {
		return fmt.Errorf("flushing samples: %w", err)
	}
	if h.enc != nil {
		if err = h.enc.Close(); err != nil {
			return fmt.Errorf("closing zstd stream: %w", err)
		}
	}
	if err = h.f.Sync(); err != nil {
		return fmt.Errorf("syncing capture file: %w", err)
	}
	return nil
}

// writeSidecar writes the metadata to a temporary file and renames it into
// place so a partial sidecar is never observed
func writeSidecar(path string, meta capture.Metadata) (err error) {
	p, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, p, 0o644); err != nil {
		return err
	}
	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

// ReadMetadata loads the sidecar of a capture file
func ReadMetadata(path string) (*capture.Metadata, error) {
	p, err := os.ReadFile(path + SidecarSuffix)
	if err != nil {
		return nil, fmt.Errorf("reading sidecar: %w", err)
	}

	var meta capture.Metadata
	if err = json.Unmarshal(p, &meta); err != nil {
		return nil, fmt.Errorf("decoding sidecar: %w", err)
	}
	return &meta, nil
}

// OpenSamples returns a reader of the raw samples, decompressing zstd captures
func OpenSamples(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if filepath.Ext(path) != ".zst" {
		return f, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &zstdReadCloser{Decoder: dec, f: f}, nil
}

type zstdReadCloser struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}
