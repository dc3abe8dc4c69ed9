package dsp

import (
	"encoding/binary"
	"testing"

	"github.com/roman-kulish/burst-capture/internal/sdr"
)

// cs16Chunk returns n samples of constant amplitude on the I branch
func cs16Chunk(n int, amplitude int16) sdr.Chunk {
	data := make([]byte, n*4)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[i*4:], uint16(amplitude))
	}
	return sdr.Chunk{Data: data, Samples: n}
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()

	d, err := NewDetector(sdr.FormatCS16, Config{Window: 256, Hop: 256, NoiseWindows: 4, Percentile: 20, DBOverFloor: 8})
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return d
}

func TestDetector_NeverFiresCold(t *testing.T) {
	d := newTestDetector(t)

	// three windows: one short of warm, however loud
	for i := 0; i < 3; i++ {
		dec := d.Evaluate(cs16Chunk(256, 30000))
		if dec.Hit || dec.Warm {
			t.Fatalf("Chunk %d: decision %+v while cold", i, dec)
		}
	}

	dec := d.Evaluate(cs16Chunk(256, 30000))
	if !dec.Warm {
		t.Fatal("Expected warm after noise windows observed")
	}
	if dec.Hit {
		t.Error("Uniform level must not exceed its own threshold")
	}
}

func TestDetector_FiresAboveThreshold(t *testing.T) {
	d := newTestDetector(t)

	for i := 0; i < 10; i++ {
		if dec := d.Evaluate(cs16Chunk(256, 100)); dec.Hit {
			t.Fatalf("Chunk %d: unexpected hit on noise", i)
		}
	}

	dec := d.Evaluate(cs16Chunk(256, 2000))
	if !dec.Hit {
		t.Fatalf("Expected hit at 20x the floor, got %+v", dec)
	}
	if dec.Windows != 1 {
		t.Errorf("Expected 1 window, got %d", dec.Windows)
	}
	if dec.Peak <= dec.Threshold {
		t.Errorf("Expected peak %f above threshold %f", dec.Peak, dec.Threshold)
	}

	// below 8 dB (2.51x) over the floor does not fire
	d.Reset()
	for i := 0; i < 10; i++ {
		d.Evaluate(cs16Chunk(256, 100))
	}
	if dec = d.Evaluate(cs16Chunk(256, 240)); dec.Hit {
		t.Errorf("Unexpected hit at 2.4x the floor: %+v", dec)
	}
}

func TestDetector_ShortChunks(t *testing.T) {
	d := newTestDetector(t)

	var windows int
	for i := 0; i < 8; i++ {
		windows += d.Evaluate(cs16Chunk(100, 100)).Windows
	}

	// 800 samples, window 256, hop 256
	if windows != 3 {
		t.Errorf("Expected 3 windows across short chunks, got %d", windows)
	}

	if dec := d.Evaluate(sdr.Chunk{}); dec.Windows != 0 || dec.Hit {
		t.Errorf("Unexpected decision for empty chunk: %+v", dec)
	}
}
