package dsp

import (
	"math"
	"testing"
)

func TestNoiseFloor_ColdUntilFull(t *testing.T) {
	n, err := NewNoiseFloor(10, 20, 8)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for i := 0; i < 9; i++ {
		n.Observe(1)
		if _, ok := n.Floor(); ok {
			t.Fatalf("Floor defined after %d observations", i+1)
		}
		if _, _, ok := n.Threshold(); ok {
			t.Fatalf("Threshold defined after %d observations", i+1)
		}
	}

	n.Observe(1)
	if !n.Warm() {
		t.Fatal("Expected tracker to be warm")
	}
	floor, ok := n.Floor()
	if !ok || floor != 1 {
		t.Errorf("Expected floor 1, got %f (%v)", floor, ok)
	}

	threshold, _, _ := n.Threshold()
	if want := math.Pow(10, 8.0/20); math.Abs(threshold-want) > 1e-12 {
		t.Errorf("Expected threshold %f, got %f", want, threshold)
	}
}

func TestNoiseFloor_Percentile(t *testing.T) {
	n, _ := NewNoiseFloor(100, 20, 0)

	// observed in reverse so order does not matter
	for v := 100; v >= 1; v-- {
		n.Observe(float64(v))
	}

	if floor, _ := n.Floor(); math.Abs(floor-20.8) > 1e-9 {
		t.Errorf("Expected 20th percentile 20.8, got %f", floor)
	}
}

func TestNoiseFloor_Interpolation(t *testing.T) {
	testCases := []struct {
		percentile float64
		want       float64
	}{
		{0, 1},
		{20, 2.8},
		{50, 5.5},
		{100, 10},
	}

	for _, tc := range testCases {
		n, _ := NewNoiseFloor(10, tc.percentile, 0)
		for _, v := range []float64{7, 3, 10, 1, 5, 9, 2, 8, 4, 6} {
			n.Observe(v)
		}

		if floor, _ := n.Floor(); math.Abs(floor-tc.want) > 1e-9 {
			t.Errorf("Percentile %g: expected %g, got %f", tc.percentile, tc.want, floor)
		}
	}
}

func TestNoiseFloor_Eviction(t *testing.T) {
	n, _ := NewNoiseFloor(5, 20, 0)

	for i := 0; i < 5; i++ {
		n.Observe(100)
	}
	for i := 0; i < 5; i++ {
		n.Observe(2)
	}

	if n.Len() != 5 {
		t.Errorf("Expected 5 levels held, got %d", n.Len())
	}
	if floor, _ := n.Floor(); floor != 2 {
		t.Errorf("Expected old levels evicted and floor 2, got %f", floor)
	}

	n.Reset()
	if n.Warm() || n.Len() != 0 {
		t.Error("Expected empty cold tracker after reset")
	}
}

func TestNoiseFloor_ZeroFloor(t *testing.T) {
	n, _ := NewNoiseFloor(3, 20, 8)
	for i := 0; i < 3; i++ {
		n.Observe(0)
	}

	threshold, floor, ok := n.Threshold()
	if !ok || floor != 0 || threshold != 0 {
		t.Errorf("Expected zero floor and threshold, got %f/%f (%v)", floor, threshold, ok)
	}
}

func TestNewNoiseFloor_Invalid(t *testing.T) {
	if _, err := NewNoiseFloor(0, 20, 8); err == nil {
		t.Error("Expected error for zero windows")
	}
	if _, err := NewNoiseFloor(10, 101, 8); err == nil {
		t.Error("Expected error for percentile above 100")
	}
}
