// Package analysis estimates BPM, musical key, and a beat grid from decoded
// PCM. Detection is best-effort: a failure here never blocks the pad from
// being playable, it just leaves the pad's Analysis absent (spec's
// "Analysis failure" error kind).
package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/mjibson/go-dsp/fft"

	"looper/internal/pcm"
	"looper/internal/store"
)

const (
	windowSize           = 1024
	hopSize              = 512
	barsPerGridCandidate = 4
)

// camelotMajor lists Camelot-wheel notation in chromatic order starting
// at C major (8B) to keep key output consistent with DJ software
// conventions.
var camelotMajor = []string{"8B", "3B", "10B", "5B", "12B", "7B", "2B", "9B", "4B", "11B", "6B", "1B"}

// Detect runs onset detection, BPM estimation, and a coarse key guess on
// table. It never returns an error for "couldn't find a confident answer"
// — only for structurally invalid input (e.g. a table too short to
// analyze) — matching the spec's policy that analysis failure leaves a pad
// usable with no grid rather than blocking playback.
func Detect(table *pcm.Table) (store.Analysis, error) {
	if table == nil || table.Frames < windowSize*2 {
		return store.Analysis{}, fmt.Errorf("analysis: table too short to analyze")
	}

	mono := mixToMono(table)
	flux := spectralFlux(mono)
	onsets := pickOnsets(flux, table.SampleRate)

	bpm := estimateBPM(onsets)
	downbeats := deriveDownbeats(onsets, bpm)
	key := estimateKey(mono, table.SampleRate)

	return store.Analysis{
		BPM: bpm,
		Key: key,
		BeatGrid: store.BeatGrid{
			Beats:     onsets,
			Downbeats: downbeats,
		},
	}, nil
}

func mixToMono(t *pcm.Table) []float64 {
	out := make([]float64, t.Frames)
	for i := 0; i < t.Frames; i++ {
		l, r := t.At(i)
		out[i] = (float64(l) + float64(r)) / 2
	}
	return out
}

// spectralFlux computes the positive-only rectified change in magnitude
// spectrum between consecutive overlapping windows, a standard onset
// detection function.
func spectralFlux(mono []float64) []float64 {
	numWindows := (len(mono)-windowSize)/hopSize + 1
	if numWindows < 2 {
		return nil
	}
	flux := make([]float64, numWindows)
	var prevMag []float64

	for w := 0; w < numWindows; w++ {
		start := w * hopSize
		frame := make([]float64, windowSize)
		copy(frame, mono[start:start+windowSize])
		applyHann(frame)

		spectrum := fft.FFTReal(frame)
		mag := make([]float64, windowSize/2)
		for i := range mag {
			mag[i] = cmplxAbs(spectrum[i])
		}

		if prevMag != nil {
			var sum float64
			for i := range mag {
				d := mag[i] - prevMag[i]
				if d > 0 {
					sum += d
				}
			}
			flux[w] = sum
		}
		prevMag = mag
	}
	return flux
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func applyHann(frame []float64) {
	n := len(frame)
	for i := range frame {
		frame[i] *= 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
}

// pickOnsets thresholds the flux curve at mean+stddev and returns the
// corresponding source-time seconds of each local peak.
func pickOnsets(flux []float64, sampleRate int) []float64 {
	if len(flux) == 0 {
		return nil
	}
	mean, std := meanStd(flux)
	threshold := mean + std

	var onsets []float64
	for i := 1; i < len(flux)-1; i++ {
		if flux[i] > threshold && flux[i] >= flux[i-1] && flux[i] >= flux[i+1] {
			t := float64(i*hopSize) / float64(sampleRate)
			onsets = append(onsets, t)
		}
	}
	return onsets
}

func meanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

// estimateBPM derives a tempo from the median of consecutive onset intervals.
// Returns 0 when there are not enough onsets to form an estimate; callers
// treat a zero BPM as "unknown" exactly like an absent manual override.
func estimateBPM(onsets []float64) float64 {
	if len(onsets) < 4 {
		return 0
	}
	intervals := make([]float64, 0, len(onsets)-1)
	for i := 1; i < len(onsets); i++ {
		d := onsets[i] - onsets[i-1]
		if d > 0.2 && d < 2.0 { // plausible beat-to-beat range: 30-300 BPM
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return 0
	}
	sort.Float64s(intervals)
	median := intervals[len(intervals)/2]
	if median <= 0 {
		return 0
	}
	bpm := 60.0 / median
	for bpm < 70 {
		bpm *= 2
	}
	for bpm > 180 {
		bpm /= 2
	}
	return bpm
}

// deriveDownbeats takes every barsPerGridCandidate-th onset as a downbeat
// candidate, a coarse approximation in the absence of a true
// meter-detection model.
func deriveDownbeats(onsets []float64, bpm float64) []float64 {
	if bpm <= 0 || len(onsets) == 0 {
		return nil
	}
	var downbeats []float64
	for i := 0; i < len(onsets); i += 4 {
		downbeats = append(downbeats, onsets[i])
	}
	return downbeats
}

// estimateKey buckets spectral energy into twelve pitch classes via a
// simple chromagram and maps the dominant pitch class to Camelot-wheel
// notation (the same notation used by DJ software key displays).
func estimateKey(mono []float64, sampleRate int) string {
	if len(mono) < windowSize {
		return ""
	}
	frame := make([]float64, windowSize)
	copy(frame, mono[:windowSize])
	applyHann(frame)
	spectrum := fft.FFTReal(frame)

	var chroma [12]float64
	for i := 1; i < windowSize/2; i++ {
		freq := float64(i) * float64(sampleRate) / float64(windowSize)
		if freq < 20 || freq > 5000 {
			continue
		}
		// A440 is 9 semitones above C; shift so pitch class 0 is C,
		// matching camelotMajor's ordering.
		pitchClass := (int(math.Round(12*math.Log2(freq/440.0))) + 9) % 12
		if pitchClass < 0 {
			pitchClass += 12
		}
		chroma[pitchClass] += cmplxAbs(spectrum[i])
	}

	best, bestEnergy := 0, -1.0
	for i, e := range chroma {
		if e > bestEnergy {
			best, bestEnergy = i, e
		}
	}
	if bestEnergy <= 0 {
		return ""
	}
	return camelotMajor[best]
}
