// Package store owns per-pad sample state: decoded PCM tables, analysis
// results, and the loop-region parameters the deck controller edits. PCM
// tables are held behind atomic pointers so the audio thread can read them
// without locking while the controller thread swaps in new ones.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	waudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"looper/internal/pcm"
)

// NumPads is the size of the pad grid: six banks of thirty-six pads.
const NumPads = 216

// NumBanks is the number of pad banks.
const NumBanks = 6

// Parameter bounds shared by the deck controller's clamping logic and the
// persisted pad configuration's validation.
const (
	SpeedMin    = 0.5
	SpeedMax    = 2.0
	VolumeMin   = 0.0
	VolumeMax   = 1.0
	PadGainMin  = 0.0
	PadGainMax  = 1.0
	PadEQDBMin  = -24.0
	PadEQDBMax  = 24.0
	LoopBarsMin = 1
)

// StemKind identifies one of the five source-separated stem slots a pad may
// carry alongside its main table.
type StemKind int

const (
	StemVocal StemKind = iota
	StemMelody
	StemBass
	StemDrums
	StemInstrumental
	numStems
)

func (k StemKind) String() string {
	switch k {
	case StemVocal:
		return "vocal"
	case StemMelody:
		return "melody"
	case StemBass:
		return "bass"
	case StemDrums:
		return "drums"
	case StemInstrumental:
		return "instrumental"
	default:
		return "unknown"
	}
}

// BeatGrid holds detected beat and downbeat times in source-seconds.
type BeatGrid struct {
	Beats     []float64 `json:"beats"`
	Downbeats []float64 `json:"downbeats"`
}

// Analysis is the result of beat/key detection for one pad.
type Analysis struct {
	BPM      float64  `json:"bpm"`
	Key      string   `json:"key"`
	BeatGrid BeatGrid `json:"beat_grid"`
}

// PadConfig is the persisted, user-editable portion of a pad's state. It is
// held by store.Pad, and project.State keeps its own copy per pad.
type PadConfig struct {
	SamplePath        string    `json:"sample_path,omitempty"`
	Analysis          *Analysis `json:"analysis,omitempty"`
	ManualBPM         *float64  `json:"manual_bpm,omitempty"`
	ManualKey         *string   `json:"manual_key,omitempty"`
	LoopAuto          bool      `json:"loop_auto"`
	LoopBars          int       `json:"loop_bars"`
	LoopStartS        float64   `json:"loop_start_s"`
	LoopEndS          *float64  `json:"loop_end_s,omitempty"`
	GridOffsetSamples int       `json:"grid_offset_samples"`
	Gain              float64   `json:"gain"`
	EQLowDB           float64   `json:"eq_low_db"`
	EQMidDB           float64   `json:"eq_mid_db"`
	EQHighDB          float64   `json:"eq_high_db"`
}

// DefaultPadConfig returns the zero-value pad configuration: empty, four
// bar auto loop, unity gain, flat EQ.
func DefaultPadConfig() PadConfig {
	return PadConfig{
		LoopAuto: true,
		LoopBars: 4,
		Gain:     1.0,
	}
}

// Pad is the runtime state for one pad: its persisted configuration plus
// the decoded PCM tables (held behind atomic pointers for lock-free reads
// from the audio callback) and duration/source-rate bookkeeping.
type Pad struct {
	Config PadConfig

	DurationS        float64
	SourceSampleRate int

	main  atomic.Pointer[pcm.Table]
	stems [numStems]atomic.Pointer[pcm.Table]
}

// MainTable returns the pad's currently published main table, or nil if
// the pad is empty.
func (p *Pad) MainTable() *pcm.Table { return p.main.Load() }

// StemTable returns the pad's currently published table for the given
// stem, or nil if that stem is not loaded.
func (p *Pad) StemTable(k StemKind) *pcm.Table {
	if k < 0 || k >= numStems {
		return nil
	}
	return p.stems[k].Load()
}

// SwapMain atomically replaces the pad's main table, returning the
// previous one (nil on first load) so the caller can schedule it for
// grace-period reclamation instead of freeing it immediately.
func (p *Pad) SwapMain(t *pcm.Table) *pcm.Table { return p.main.Swap(t) }

// SwapStem atomically replaces one stem table, returning the previous one.
func (p *Pad) SwapStem(k StemKind, t *pcm.Table) *pcm.Table {
	if k < 0 || k >= numStems {
		return nil
	}
	return p.stems[k].Swap(t)
}

// HasAnyStem reports whether at least one stem table is currently loaded.
func (p *Pad) HasAnyStem() bool {
	for i := range p.stems {
		if p.stems[i].Load() != nil {
			return true
		}
	}
	return false
}

// UnloadTables swaps the pad's main table and every stem table to nil,
// returning every previously-published table so the caller can retire
// them for grace-period reclamation instead of freeing them while the
// audio thread might still be reading through a stale pointer.
func (p *Pad) UnloadTables() []*pcm.Table {
	old := make([]*pcm.Table, 0, numStems+1)
	if t := p.main.Swap(nil); t != nil {
		old = append(old, t)
	}
	for i := range p.stems {
		if t := p.stems[i].Swap(nil); t != nil {
			old = append(old, t)
		}
	}
	return old
}

// Store owns the fixed grid of 216 pads plus the on-disk content-addressed
// sample cache under root/samples.
type Store struct {
	Pads [NumPads]*Pad
	root string

	// reclaim holds tables whose audio-thread visibility can no longer be
	// assumed; ReapRetired frees them once two audio buffers have elapsed,
	// a simplified grace-period scheme grounded on the same
	// disjoint-writer/reader discipline the teacher's AEC far-end buffer
	// uses, applied to pointer retirement instead of sample indices.
	reclaimMu sync.Mutex
	reclaim   []retiredTable
	epoch     uint64
}

type retiredTable struct {
	table      *pcm.Table
	freeAtTick uint64
}

// New creates a Store rooted at dir (dir/samples holds the cache).
func New(dir string) *Store {
	s := &Store{root: dir}
	for i := range s.Pads {
		s.Pads[i] = &Pad{Config: DefaultPadConfig()}
	}
	return s
}

// ValidatePadID returns an error if id is outside [0, NumPads).
func ValidatePadID(id int) error {
	if id < 0 || id >= NumPads {
		return fmt.Errorf("store: pad id must be >= 0 and < %d, got %d", NumPads, id)
	}
	return nil
}

// Pad returns the pad state for id. Panics-free: callers must validate id
// first via ValidatePadID, matching the controller-boundary validation
// policy (audio-thread and store internals trust the caller).
func (s *Store) Pad(id int) *Pad { return s.Pads[id] }

// CachePath returns the content-addressed path samples/<sha256>.wav would
// occupy for the given decoded table, without writing it.
func (s *Store) CachePath(t *pcm.Table) string {
	return filepath.Join(s.root, "samples", hashTable(t)+".wav")
}

// ResolvePath turns a store-root-relative path (as persisted in
// PadConfig.SamplePath) into an absolute path suitable for opening.
func (s *Store) ResolvePath(rel string) string {
	return filepath.Join(s.root, rel)
}

// WriteCache atomically writes t as a canonical WAV under the store's
// content-addressed cache directory and returns the path relative to the
// store root using POSIX separators, so saved projects remain portable.
//
// The write follows the teacher's blob-store pattern: write to a temp file
// in the destination directory, fsync, then rename into place, so readers
// never observe a partial file.
func (s *Store) WriteCache(t *pcm.Table) (relPath string, err error) {
	dir := filepath.Join(s.root, "samples")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: mkdir cache dir: %w", err)
	}

	hash := hashTable(t)
	finalPath := filepath.Join(dir, hash+".wav")
	if _, err := os.Stat(finalPath); err == nil {
		return "samples/" + hash + ".wav", nil
	}

	tmp, err := os.CreateTemp(dir, ".cache-write-*.wav")
	if err != nil {
		return "", fmt.Errorf("store: create temp cache file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := encodeWAV(tmp, t); err != nil {
		cleanup()
		return "", fmt.Errorf("store: encode cache wav: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", fmt.Errorf("store: fsync cache wav: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: close cache wav: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: rename cache wav: %w", err)
	}
	return "samples/" + hash + ".wav", nil
}

func hashTable(t *pcm.Table) string {
	h := sha256.New()
	buf := make([]byte, 4)
	for _, f := range t.Data {
		bits := math.Float32bits(f)
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func encodeWAV(w io.WriteSeeker, t *pcm.Table) error {
	enc := wav.NewEncoder(w, t.SampleRate, 16, 2, 1)
	buf := &waudio.IntBuffer{
		Format: &waudio.Format{NumChannels: 2, SampleRate: t.SampleRate},
		Data:   make([]int, len(t.Data)),
	}
	for i, f := range t.Data {
		s := int(f * 32767)
		if s > 32767 {
			s = 32767
		}
		if s < -32768 {
			s = -32768
		}
		buf.Data[i] = s
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

// Epoch returns the store's current reclamation tick, advanced once per
// audio buffer by the voice engine.
func (s *Store) Epoch() uint64 { return atomic.LoadUint64(&s.epoch) }

// TickEpoch advances the reclamation tick. Called by the audio callback
// exactly once per buffer.
func (s *Store) TickEpoch() { atomic.AddUint64(&s.epoch, 1) }

// Retire schedules old for freeing two epochs from now: one buffer to
// guarantee the audio thread has moved past any in-flight read of the
// pointer it replaced, one more for safety margin against buffer-size
// jitter.
func (s *Store) Retire(old *pcm.Table) {
	if old == nil {
		return
	}
	s.reclaimMu.Lock()
	defer s.reclaimMu.Unlock()
	s.reclaim = append(s.reclaim, retiredTable{table: old, freeAtTick: s.Epoch() + 2})
}

// ReapRetired drops references to tables whose grace period has elapsed,
// letting the garbage collector reclaim them. Called periodically from the
// controller thread, never from the audio thread.
func (s *Store) ReapRetired() {
	now := s.Epoch()
	s.reclaimMu.Lock()
	defer s.reclaimMu.Unlock()
	kept := make([]retiredTable, 0, len(s.reclaim))
	for _, r := range s.reclaim {
		if r.freeAtTick > now {
			kept = append(kept, r)
		}
	}
	s.reclaim = kept
}
