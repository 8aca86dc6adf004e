// Package ramp implements a one-pole exponential smoother used to avoid
// clicks when mute/solo coefficients toggle instantaneously. Grounded on
// the teacher's AGC attack/release smoothing
// (gain += coeff*(desired-gain)), generalised from two asymmetric
// coefficients into one symmetric coefficient derived from a fixed time
// constant, since spec.md specifies a single ~15 ms constant rather than
// separate attack/release rates.
package ramp

import "math"

// DefaultTimeConstantSeconds is the ~15 ms smoothing window spec.md §4.3
// mandates for main/stem mute crossfades.
const DefaultTimeConstantSeconds = 0.015

// OnePole is a single-pole low-pass smoother over a target value, stepped
// once per audio frame.
type OnePole struct {
	coef    float64
	current float64
	target  float64
}

// NewOnePole creates a smoother for the given sample rate and time
// constant. The coefficient is derived so the step response reaches
// ~63% of a new target after timeConstantSeconds.
func NewOnePole(sampleRate int, timeConstantSeconds float64) *OnePole {
	if timeConstantSeconds <= 0 || sampleRate <= 0 {
		return &OnePole{coef: 1}
	}
	coef := 1 - math.Exp(-1/(timeConstantSeconds*float64(sampleRate)))
	return &OnePole{coef: coef}
}

// SetTarget updates the value the smoother converges toward; does not
// itself advance the current value.
func (p *OnePole) SetTarget(target float64) { p.target = target }

// Target returns the current target value.
func (p *OnePole) Target() float64 { return p.target }

// Reset snaps both the current value and the target to v, with no
// transition (used when a voice is created, so its first frame never
// "ramps in" from the zero value).
func (p *OnePole) Reset(v float64) {
	p.current = v
	p.target = v
}

// Next advances the smoother by one sample and returns the new current
// value.
func (p *OnePole) Next() float64 {
	p.current += p.coef * (p.target - p.current)
	return p.current
}

// Current returns the smoother's value without advancing it.
func (p *OnePole) Current() float64 { return p.current }
