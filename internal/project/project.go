// Package project persists the full ProjectState to a JSON file with
// atomic, debounced writes. Generalised from the teacher's
// internal/config (a four-field preferences blob saved with a bare
// os.WriteFile) into the full persisted pad grid, with the atomic
// temp-file + rename + fsync write spec.md §6 requires, grounded on
// server/internal/blob/store.go's write pattern.
package project

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"looper/internal/store"
)

// DefaultFlushInterval is how often a dirty project is allowed to be
// written to disk; spec.md §6/§7 calls this the debounce interval.
const DefaultFlushInterval = 2 * time.Second

// State is the full persisted project: the pad grid plus global playback
// modes and UI selection state, matching spec.md §3's ProjectState.
type State struct {
	Pads [store.NumPads]store.PadConfig `json:"pads"`

	MultiLoop bool    `json:"multi_loop"`
	KeyLock   bool    `json:"key_lock"`
	BPMLock   bool    `json:"bpm_lock"`
	Volume    float64 `json:"volume"`
	Speed     float64 `json:"speed"`

	SelectedPad          int  `json:"selected_pad"`
	SelectedBank         int  `json:"selected_bank"`
	SidebarLeftExpanded  bool `json:"sidebar_left_expanded"`
	SidebarRightExpanded bool `json:"sidebar_right_expanded"`
}

// Default returns a fresh project: every pad empty with its default loop
// configuration, unity volume/speed, both sidebars expanded.
func Default() State {
	s := State{
		Volume:               store.VolumeMax,
		Speed:                1.0,
		SidebarLeftExpanded:  true,
		SidebarRightExpanded: true,
	}
	for i := range s.Pads {
		s.Pads[i] = store.DefaultPadConfig()
	}
	return s
}

// Store owns the on-disk project file path and debounce bookkeeping. It is
// used from the controller thread only; the audio thread never touches it.
type Store struct {
	mu            sync.Mutex
	path          string
	flushInterval time.Duration
	logger        *slog.Logger

	dirty       bool
	lastFlushed time.Time
	current     State
}

// New creates a Store for the project file at path.
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:          path,
		flushInterval: DefaultFlushInterval,
		logger:        logger,
		current:       Default(),
	}
}

// Load reads the project file, tolerating every failure mode spec.md §6
// lists (missing file, invalid JSON, missing/extra fields) by falling back
// to Default(). It never returns an error: a corrupt or absent project is
// not fatal to startup.
func Load(path string, logger *slog.Logger) State {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info("project file not found, using defaults", "path", path, "err", err)
		return Default()
	}
	state := Default()
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warn("project file invalid, using defaults", "path", path, "err", err)
		return Default()
	}
	return state
}

// Current returns a copy of the in-memory project state.
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Replace installs a full new state (used after Load) without marking the
// project dirty, since it was just read from disk.
func (s *Store) Replace(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = state
	s.dirty = false
}

// Mutate applies fn to the current state under lock and marks the project
// dirty, matching every controller mutator's "_mark_project_changed" call
// in the original design.
func (s *Store) Mutate(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.current)
	s.dirty = true
}

// MaybeFlush writes the project to disk if it is dirty and at least
// flushInterval has elapsed since the last write — the monotonic-clock
// "maybe_flush(now)" pattern spec.md §9 calls for instead of a UI-toolkit
// timer. Returns whether a write happened and any error from that write.
func (s *Store) MaybeFlush(now time.Time) (wrote bool, err error) {
	s.mu.Lock()
	if !s.dirty || now.Sub(s.lastFlushed) < s.flushInterval {
		s.mu.Unlock()
		return false, nil
	}
	state := s.current
	s.mu.Unlock()

	if err := save(s.path, state); err != nil {
		s.logger.Error("project flush failed", "path", s.path, "err", err)
		return false, err
	}

	s.mu.Lock()
	s.dirty = false
	s.lastFlushed = now
	s.mu.Unlock()
	return true, nil
}

// Flush writes the project immediately regardless of the debounce
// interval, used on clean shutdown. A project that is not dirty is not
// rewritten.
func (s *Store) Flush() error {
	s.mu.Lock()
	state := s.current
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	if err := save(s.path, state); err != nil {
		return err
	}
	s.mu.Lock()
	s.dirty = false
	s.lastFlushed = time.Now()
	s.mu.Unlock()
	return nil
}

// save writes state to path atomically: a temp file in the same
// directory, fsync, then rename, so a reader never observes a partial
// write, matching server/internal/blob/store.go's Put.
func save(path string, state State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("project: mkdir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("project: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".project-write-*.json")
	if err != nil {
		return fmt.Errorf("project: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("project: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("project: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("project: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("project: rename into place: %w", err)
	}
	return nil
}
