package pitch_test

import (
	"math"
	"testing"

	"looper/internal/pcm"
	"looper/internal/pitch"
)

func sineTable(sampleRate int, freq float64, seconds float64) *pcm.Table {
	frames := int(float64(sampleRate) * seconds)
	mono := make([]float32, frames)
	for i := range mono {
		mono[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate)))
	}
	return pcm.FromMono(sampleRate, mono)
}

func TestCacheGetPutRoundTrip(t *testing.T) {
	c := pitch.New()
	if _, ok := c.Get(0, pitch.MainSlot, 1.25); ok {
		t.Fatal("expected empty cache miss")
	}
	table := pcm.NewTable(48000, 10)
	c.Put(0, pitch.MainSlot, 1.25, table)
	got, ok := c.Get(0, pitch.MainSlot, 1.25)
	if !ok || got != table {
		t.Fatal("expected cache hit returning the same table")
	}
}

func TestCacheDistinguishesMainAndStemSlots(t *testing.T) {
	c := pitch.New()
	main := pcm.NewTable(48000, 10)
	stem := pcm.NewTable(48000, 20)
	c.Put(0, pitch.MainSlot, 1.5, main)
	c.Put(0, 0, 1.5, stem)

	gotMain, ok := c.Get(0, pitch.MainSlot, 1.5)
	if !ok || gotMain != main {
		t.Fatal("expected main slot to return the main render")
	}
	gotStem, ok := c.Get(0, 0, 1.5)
	if !ok || gotStem != stem {
		t.Fatal("expected stem slot to return the stem render, not the main render")
	}
}

func TestInvalidatePadClearsOnlyThatPad(t *testing.T) {
	c := pitch.New()
	c.Put(0, pitch.MainSlot, 1.5, pcm.NewTable(48000, 1))
	c.Put(1, pitch.MainSlot, 1.5, pcm.NewTable(48000, 1))
	c.InvalidatePad(0)
	if _, ok := c.Get(0, pitch.MainSlot, 1.5); ok {
		t.Error("expected pad 0 entry to be invalidated")
	}
	if _, ok := c.Get(1, pitch.MainSlot, 1.5); !ok {
		t.Error("expected pad 1 entry to remain")
	}
}

func TestRenderShortensDurationWhenSpeedUp(t *testing.T) {
	src := sineTable(48000, 440, 1.0)
	out := pitch.Render(src, 2.0)
	if out.Frames >= src.Frames {
		t.Errorf("expected a 2x speed render to be shorter than source, got %d vs %d", out.Frames, src.Frames)
	}
}

func TestRenderLengthensDurationWhenSlowedDown(t *testing.T) {
	src := sineTable(48000, 440, 1.0)
	out := pitch.Render(src, 0.5)
	if out.Frames <= src.Frames {
		t.Errorf("expected a 0.5x speed render to be longer than source, got %d vs %d", out.Frames, src.Frames)
	}
}

func TestRenderPassesThroughTooShortTables(t *testing.T) {
	src := pcm.NewTable(48000, 10)
	out := pitch.Render(src, 1.5)
	if out != src {
		t.Error("expected a too-short table to pass through unchanged")
	}
}
