// Package pcm defines the in-memory sample table shared between the
// sample store, the decoders, and the realtime voice engine.
package pcm

import "fmt"

// Table is an immutable-from-the-audio-thread block of interleaved stereo
// float32 audio. Once published by the store it is never mutated; a new
// Table is built and the pointer is swapped instead.
type Table struct {
	SampleRate int
	Frames     int
	Data       []float32 // interleaved L,R,L,R,... length == Frames*2
}

// NewTable allocates a zeroed stereo table of the given frame count.
func NewTable(sampleRate, frames int) *Table {
	return &Table{
		SampleRate: sampleRate,
		Frames:     frames,
		Data:       make([]float32, frames*2),
	}
}

// FromMono builds a stereo table by duplicating a mono signal to both
// channels, matching the convention decoders use for single-channel sources.
func FromMono(sampleRate int, mono []float32) *Table {
	t := NewTable(sampleRate, len(mono))
	for i, s := range mono {
		t.Data[2*i] = s
		t.Data[2*i+1] = s
	}
	return t
}

// At returns the left/right samples at integer frame index i, clamped to
// silence outside [0, Frames).
func (t *Table) At(i int) (l, r float32) {
	if t == nil || i < 0 || i >= t.Frames {
		return 0, 0
	}
	return t.Data[2*i], t.Data[2*i+1]
}

// DurationSeconds returns the table's length in seconds.
func (t *Table) DurationSeconds() float64 {
	if t == nil || t.SampleRate <= 0 {
		return 0
	}
	return float64(t.Frames) / float64(t.SampleRate)
}

// Slice returns a new Table covering frames [start, end) of t. end may
// exceed t.Frames, in which case it is clamped.
func (t *Table) Slice(start, end int) (*Table, error) {
	if t == nil {
		return nil, fmt.Errorf("pcm: slice of nil table")
	}
	if start < 0 || start > t.Frames {
		return nil, fmt.Errorf("pcm: slice start %d out of range [0,%d]", start, t.Frames)
	}
	if end > t.Frames {
		end = t.Frames
	}
	if end < start {
		end = start
	}
	out := NewTable(t.SampleRate, end-start)
	copy(out.Data, t.Data[start*2:end*2])
	return out, nil
}
