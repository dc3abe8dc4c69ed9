package dsp

import (
	"math"
	"math/rand/v2"
	"testing"
)

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEstimator_WindowCount(t *testing.T) {
	testCases := []struct {
		window, hop int
	}{
		{256, 128},
		{256, 256},
		{300, 7},
		{1, 1},
	}

	r := rand.New(rand.NewPCG(1, 2))

	for _, tc := range testCases {
		e, err := NewEstimator(tc.window, tc.hop)
		if err != nil {
			t.Fatalf("NewEstimator(%d, %d): %v", tc.window, tc.hop, err)
		}

		var total, emitted int
		var windows []PowerWindow
		for i := 0; i < 200; i++ {
			n := r.IntN(700)
			total += n
			windows = e.Process(constant(n, 1), windows[:0])

			for _, w := range windows {
				if w.Offset != int64(emitted*tc.hop) {
					t.Fatalf("w=%d h=%d: window %d at offset %d, expected %d", tc.window, tc.hop, emitted, w.Offset, emitted*tc.hop)
				}
				if w.Offset+int64(tc.window) > int64(total) {
					t.Fatalf("w=%d h=%d: window at %d exceeds %d supplied samples", tc.window, tc.hop, w.Offset, total)
				}
				emitted++
			}

			want := 0
			if total >= tc.window {
				want = (total-tc.window)/tc.hop + 1
			}
			if emitted != want {
				t.Fatalf("w=%d h=%d: after %d samples expected %d windows, got %d", tc.window, tc.hop, total, want, emitted)
			}
			if e.Pending() >= tc.window {
				t.Fatalf("w=%d h=%d: carry %d not below window", tc.window, tc.hop, e.Pending())
			}
		}
	}
}

func TestEstimator_SplitInvariant(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))

	stream := make([]float64, 5000)
	for i := range stream {
		stream[i] = r.Float64()
	}

	whole, _ := NewEstimator(256, 128)
	want := whole.Process(stream, nil)

	split, _ := NewEstimator(256, 128)
	var got []PowerWindow
	for rest := stream; len(rest) > 0; {
		n := min(len(rest), 1+r.IntN(400))
		got = split.Process(rest[:n], got)
		rest = rest[n:]
	}

	if len(got) != len(want) {
		t.Fatalf("Expected %d windows, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Offset != want[i].Offset || math.Abs(got[i].RMS-want[i].RMS) > 1e-9 {
			t.Fatalf("Window %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestEstimator_RMS(t *testing.T) {
	e, _ := NewEstimator(4, 2)

	// |x|^2 of 0.25 everywhere is an RMS level of 0.5
	windows := e.Process([]float64{0.25, 0.25, 0.25, 0.25, 1, 1}, nil)
	if len(windows) != 2 {
		t.Fatalf("Expected 2 windows, got %d", len(windows))
	}
	if math.Abs(windows[0].RMS-0.5) > 1e-12 {
		t.Errorf("Expected RMS 0.5, got %f", windows[0].RMS)
	}
	if want := math.Sqrt(2.5 / 4); math.Abs(windows[1].RMS-want) > 1e-12 {
		t.Errorf("Expected RMS %f, got %f", want, windows[1].RMS)
	}

	e.Reset()
	if e.Pending() != 0 {
		t.Errorf("Expected no pending samples after reset, got %d", e.Pending())
	}
	if windows = e.Process([]float64{1, 1, 1}, nil); len(windows) != 0 {
		t.Errorf("Expected no windows from a short chunk, got %d", len(windows))
	}
}

func TestNewEstimator_Invalid(t *testing.T) {
	for _, tc := range [][2]int{{0, 1}, {10, 0}, {10, 11}, {-1, -1}} {
		if _, err := NewEstimator(tc[0], tc[1]); err == nil {
			t.Errorf("Expected error for window=%d hop=%d", tc[0], tc[1])
		}
	}
}

func TestWindowAndHopSamples(t *testing.T) {
	if got := WindowSamples(0.010, 5e6); got != 50_000 {
		t.Errorf("Expected 50000 window samples, got %d", got)
	}
	if got := HopSamples(0.005, 5e6); got != 25_000 {
		t.Errorf("Expected 25000 hop samples, got %d", got)
	}
	if got := WindowSamples(0.001, 1000); got != MinWindowSamples {
		t.Errorf("Expected window floor %d, got %d", MinWindowSamples, got)
	}
	if got := HopSamples(0.001, 1000); got != MinHopSamples {
		t.Errorf("Expected hop floor %d, got %d", MinHopSamples, got)
	}
}
