// Package pitch implements the per-(pad, speed) pitch-shift cache from
// spec.md §4.3. Each cache entry is a WSOLA (Waveform Similarity
// Overlap-Add) time-stretched copy of a pad's source table: its duration
// scales with 1/speed so that, read by a phasor advancing at Δ=1, it plays
// out over the same wall-clock time the sped-up dry table would — while
// its pitch content matches the original recording.
//
// The cache's struct shape (an enable gate, a mutex held only for a brief
// copy, heavy per-sample work done outside the lock) mirrors the teacher's
// AEC processor; the DSP algorithm itself is unrelated to echo
// cancellation and is implemented fresh.
package pitch

import (
	"math"
	"sync"

	"looper/internal/pcm"
)

const (
	analysisWindow = 1024
	analysisHop    = 256
	searchRadius   = 128
)

// MainSlot identifies a pad's main table within the per-slot cache; stem
// slots use their store.StemKind value (0..4). Without a slot dimension a
// pad's main and stem renders would collide on the same (pad, speed) entry
// and overwrite one another.
const MainSlot = -1

// Key identifies one cache entry.
type Key struct {
	PadID int
	Slot  int
	Speed float64
}

// Cache holds rendered pitch-shifted tables keyed by (pad, slot, speed).
// Get is called from the realtime audio callback on every buffer a
// key-locked pad is playing, so its critical section is kept to a single
// map lookup and pointer copy — matching the teacher's aec.AEC.Process
// pattern of "lock briefly, copy/read, unlock" rather than a true
// lock-free structure. Contention is low in practice: the audio thread is
// the only reader, and Put from a render goroutine is rare relative to the
// buffer rate.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*pcm.Table
}

// New creates an empty pitch-shift cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]*pcm.Table)}
}

// Get returns the cached pitched table for (pad, slot, speed), if rendered.
func (c *Cache) Get(pad, slot int, speed float64) (*pcm.Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[Key{PadID: pad, Slot: slot, Speed: roundSpeed(speed)}]
	return t, ok
}

// Put installs a rendered table, overwriting any previous entry for the
// same key.
func (c *Cache) Put(pad, slot int, speed float64, t *pcm.Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[Key{PadID: pad, Slot: slot, Speed: roundSpeed(speed)}] = t
}

// InvalidatePad drops every cached entry for pad. The engine calls it on a
// source-PCM change (load or unload); loop-point edits do not call it.
func (c *Cache) InvalidatePad(pad int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.PadID == pad {
			delete(c.entries, k)
		}
	}
}

// roundSpeed quantizes the cache key to avoid an explosion of near-duplicate
// entries from floating point jitter in repeated identical speed requests.
func roundSpeed(speed float64) float64 {
	return math.Round(speed*1000) / 1000
}

// Render performs an offline WSOLA time-stretch of src to a new duration of
// roughly len(src)/speed frames, preserving src's pitch. It is intended to
// run on a loader worker, never on the audio thread.
func Render(src *pcm.Table, speed float64) *pcm.Table {
	if src == nil || src.Frames < analysisWindow*2 || speed <= 0 {
		return src
	}
	alpha := 1 / speed
	synthesisHop := int(math.Round(float64(analysisHop) * alpha))
	if synthesisHop < 1 {
		synthesisHop = 1
	}

	left, right := splitChannels(src)
	outLen := int(float64(src.Frames)*alpha) + analysisWindow
	outLeft := make([]float64, outLen)
	outRight := make([]float64, outLen)
	weight := make([]float64, outLen)

	window := hannWindow(analysisWindow)

	readPos := 0
	writePos := 0
	for readPos+analysisWindow < len(left) && writePos+analysisWindow < outLen {
		bestOffset := 0
		if writePos > 0 {
			bestOffset = bestMatchOffset(left, readPos, writePos, outLeft, analysisWindow, searchRadius)
		}
		srcStart := readPos + bestOffset
		if srcStart < 0 {
			srcStart = 0
		}
		if srcStart+analysisWindow > len(left) {
			srcStart = len(left) - analysisWindow
		}

		for i := 0; i < analysisWindow; i++ {
			w := window[i]
			outLeft[writePos+i] += left[srcStart+i] * w
			outRight[writePos+i] += right[srcStart+i] * w
			weight[writePos+i] += w
		}

		readPos += analysisHop
		writePos += synthesisHop
	}

	for i := range outLeft {
		if weight[i] > 1e-9 {
			outLeft[i] /= weight[i]
			outRight[i] /= weight[i]
		}
	}

	frames := int(float64(src.Frames) * alpha)
	if frames > len(outLeft) {
		frames = len(outLeft)
	}
	out := pcm.NewTable(src.SampleRate, frames)
	for i := 0; i < frames; i++ {
		out.Data[2*i] = float32(outLeft[i])
		out.Data[2*i+1] = float32(outRight[i])
	}
	return out
}

func splitChannels(t *pcm.Table) (left, right []float64) {
	left = make([]float64, t.Frames)
	right = make([]float64, t.Frames)
	for i := 0; i < t.Frames; i++ {
		l, r := t.At(i)
		left[i] = float64(l)
		right[i] = float64(r)
	}
	return left, right
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// bestMatchOffset searches src around readPos for the window of length n
// that best continues the tail already written to out at writePos,
// maximizing normalized cross-correlation over the overlap region — the
// "waveform similarity" step that gives WSOLA its name and avoids the
// phase discontinuities a naive fixed-hop overlap-add produces.
func bestMatchOffset(src []float64, readPos, writePos int, out []float64, n, radius int) int {
	best, bestScore := 0, math.Inf(-1)
	for off := -radius; off <= radius; off++ {
		start := readPos + off
		if start < 0 || start+n > len(src) {
			continue
		}
		score := correlate(src[start:start+n], out[writePos:])
		if score > bestScore {
			bestScore = score
			best = off
		}
	}
	return best
}

func correlate(a []float64, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n <= 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
