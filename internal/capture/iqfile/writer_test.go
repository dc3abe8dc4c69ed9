package iqfile

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/sdr"
)

func testIdentity() capture.Identity {
	return capture.Identity{
		ID:          uuid.New(),
		Device:      "test",
		FrequencyHz: 868_100_000,
		SampleRate:  5_000_000,
		Format:      sdr.FormatCS16,
		Start:       time.Date(2025, 3, 1, 12, 30, 5, 0, time.UTC),
		Sequence:    3,
	}
}

func TestWriter_FileName(t *testing.T) {
	w, err := New(Config{Directory: t.TempDir(), Prefix: "EU868"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := "EU868_868100000Hz_5000000sps_cs16_20250301T123005Z_cap03.cs16"
	if got := w.FileName(testIdentity()); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	testCases := []struct {
		name        string
		compression Compression
		suffix      string
	}{
		{"raw", CompressionNone, ".cs16"},
		{"zstd", CompressionZstd, ".cs16.zst"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			w, err := New(Config{Directory: dir, Compression: tc.compression})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			h, err := w.Open(testIdentity())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			payload := bytes.Repeat([]byte{1, 2, 3, 4}, 10_000)
			if err = h.Append(payload[:20_000]); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err = h.Append(payload[20_000:]); err != nil {
				t.Fatalf("Append: %v", err)
			}

			path, err := h.Close(capture.Metadata{ID: "abc", SamplesCaptured: 10_000, Reason: capture.ReasonPostRoll})
			if err != nil {
				t.Fatalf("Close: %v", err)
			}
			if !strings.HasSuffix(path, tc.suffix) {
				t.Errorf("Expected suffix %s, got %s", tc.suffix, path)
			}

			r, err := OpenSamples(path)
			if err != nil {
				t.Fatalf("OpenSamples: %v", err)
			}
			defer r.Close()

			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("Samples differ after round trip: %d bytes read", len(got))
			}

			meta, err := ReadMetadata(path)
			if err != nil {
				t.Fatalf("ReadMetadata: %v", err)
			}
			if meta.OutputFile != path || meta.SamplesCaptured != 10_000 || meta.Reason != capture.ReasonPostRoll {
				t.Errorf("Unexpected metadata: %+v", meta)
			}

			if _, err = os.Stat(path + SidecarSuffix + ".tmp"); !errors.Is(err, os.ErrNotExist) {
				t.Error("Temporary sidecar left behind")
			}

			if _, err = h.Close(capture.Metadata{}); err != nil {
				t.Errorf("Second close: %v", err)
			}
			if err = h.Append([]byte{0}); err == nil {
				t.Error("Expected error appending to a closed capture")
			}
		})
	}
}

func TestWriter_MinFreeSpace(t *testing.T) {
	dir := t.TempDir()

	w, err := New(Config{Directory: dir, MinFreeBytes: 1 << 30}, WithFreeSpace(func(string) (uint64, error) {
		return 1 << 20, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err = w.Open(testIdentity()); err == nil {
		t.Fatal("Expected error with insufficient free space")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected no files created, found %d", len(entries))
	}
}

func TestWriter_NoOverwrite(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(Config{Directory: filepath.Join(dir, "nested")})

	id := testIdentity()
	if _, err := w.Open(id); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := w.Open(id); err == nil {
		t.Error("Expected error opening an existing capture")
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := (&Config{}).Validate(); err == nil {
		t.Error("Expected error without directory")
	}
	if err := (&Config{Directory: "x", Compression: "lz4"}).Validate(); err == nil {
		t.Error("Expected error for unsupported compression")
	}
}
