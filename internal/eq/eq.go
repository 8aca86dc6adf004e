// Package eq implements a three-band peaking-EQ biquad chain applied to
// each voice's mixed output, using the RBJ Audio EQ Cookbook coefficient
// formulas for a peaking filter.
package eq

import "math"

const (
	lowFreqHz  = 120.0
	midFreqHz  = 1000.0
	highFreqHz = 6000.0
	q          = 0.707
)

// biquad holds the coefficients and per-channel state for one peaking
// filter stage, direct form I.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64

	// state per channel (0 = left, 1 = right)
	x1, x2 [2]float64
	y1, y2 [2]float64
}

func (bq *biquad) setCoeffs(freqHz, sampleRate, gainDB float64) {
	a := math.Pow(10, gainDB/40)
	w0 := 2 * math.Pi * freqHz / sampleRate
	alpha := math.Sin(w0) / (2 * q)
	cosw0 := math.Cos(w0)

	b0 := 1 + alpha*a
	b1 := -2 * cosw0
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosw0
	a2 := 1 - alpha/a

	bq.b0 = b0 / a0
	bq.b1 = b1 / a0
	bq.b2 = b2 / a0
	bq.a1 = a1 / a0
	bq.a2 = a2 / a0
}

func (bq *biquad) process(ch int, in float64) float64 {
	out := bq.b0*in + bq.b1*bq.x1[ch] + bq.b2*bq.x2[ch] - bq.a1*bq.y1[ch] - bq.a2*bq.y2[ch]
	bq.x2[ch] = bq.x1[ch]
	bq.x1[ch] = in
	bq.y2[ch] = bq.y1[ch]
	bq.y1[ch] = out
	return out
}

// ThreeBand is the per-voice low/mid/high peaking EQ chain described in
// spec.md §4.3: eq = biquad_high(biquad_mid(biquad_low(mix))).
type ThreeBand struct {
	sampleRate           float64
	low, mid, high       biquad
	lowDB, midDB, highDB float64
}

// NewThreeBand creates a flat (0 dB on every band) EQ for the given output
// sample rate.
func NewThreeBand(sampleRate int) *ThreeBand {
	e := &ThreeBand{sampleRate: float64(sampleRate)}
	e.SetGains(0, 0, 0)
	return e
}

// SetGains updates the three band gains in dB and recomputes coefficients.
// Callers are expected to have already clamped to the documented EQ range.
func (e *ThreeBand) SetGains(lowDB, midDB, highDB float64) {
	e.lowDB, e.midDB, e.highDB = lowDB, midDB, highDB
	e.low.setCoeffs(lowFreqHz, e.sampleRate, lowDB)
	e.mid.setCoeffs(midFreqHz, e.sampleRate, midDB)
	e.high.setCoeffs(highFreqHz, e.sampleRate, highDB)
}

// Process runs one sample for channel ch (0=left, 1=right) through the
// low->mid->high chain. Pure function of persistent biquad state; safe to
// call from the audio callback (no allocation, no locking).
func (e *ThreeBand) Process(ch int, in float32) float32 {
	v := float64(in)
	v = e.low.process(ch, v)
	v = e.mid.process(ch, v)
	v = e.high.process(ch, v)
	return float32(v)
}
