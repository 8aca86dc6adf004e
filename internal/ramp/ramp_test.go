package ramp_test

import (
	"testing"

	"looper/internal/ramp"
)

func TestResetSnapsInstantly(t *testing.T) {
	p := ramp.NewOnePole(48000, ramp.DefaultTimeConstantSeconds)
	p.Reset(1.0)
	if got := p.Next(); got != 1.0 {
		t.Errorf("expected reset value to hold exactly, got %v", got)
	}
}

func TestConvergesTowardTarget(t *testing.T) {
	p := ramp.NewOnePole(48000, ramp.DefaultTimeConstantSeconds)
	p.Reset(0)
	p.SetTarget(1)
	var last float64
	for i := 0; i < 48000; i++ {
		last = p.Next()
	}
	if last < 0.999 {
		t.Errorf("expected convergence close to 1.0 after 1s, got %v", last)
	}
}

func TestMonotoneApproach(t *testing.T) {
	p := ramp.NewOnePole(48000, ramp.DefaultTimeConstantSeconds)
	p.Reset(0)
	p.SetTarget(1)
	prev := 0.0
	for i := 0; i < 1000; i++ {
		v := p.Next()
		if v < prev {
			t.Fatalf("smoother should be monotone non-decreasing toward a higher target, went from %v to %v", prev, v)
		}
		prev = v
	}
}
