package core

import "testing"

func TestFloatBitsRoundTrips(t *testing.T) {
	for _, v := range []float64{0, 1, 0.5, 0.123456789, 1e10} {
		got := floatFromBits(floatBits(v))
		if got != v {
			t.Fatalf("round-trip mismatch for %v: got %v", v, got)
		}
	}
}
