package eq_test

import (
	"math"
	"testing"

	"looper/internal/eq"
)

func TestFlatEQIsNearIdentity(t *testing.T) {
	e := eq.NewThreeBand(48000)
	var maxDiff float32
	for i := 0; i < 2000; i++ {
		in := float32(math.Sin(float64(i) * 0.05))
		out := e.Process(0, in)
		if d := out - in; absf(d) > maxDiff {
			maxDiff = absf(d)
		}
	}
	if maxDiff > 0.05 {
		t.Errorf("flat EQ should be near-identity after settling, max diff %v", maxDiff)
	}
}

func TestEQDoesNotPanicOnExtremeGains(t *testing.T) {
	e := eq.NewThreeBand(44100)
	e.SetGains(24, -24, 24)
	for i := 0; i < 100; i++ {
		e.Process(0, float32(i)/100)
		e.Process(1, float32(-i)/100)
	}
}

func absf(f float32) float32 {
	if f < 0 {
		return -f
	}
	return f
}
