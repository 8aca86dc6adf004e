package store_test

import (
	"os"
	"path/filepath"
	"testing"

	"looper/internal/pcm"
	"looper/internal/store"
)

func TestValidatePadID(t *testing.T) {
	if err := store.ValidatePadID(0); err != nil {
		t.Errorf("0 should be valid: %v", err)
	}
	if err := store.ValidatePadID(215); err != nil {
		t.Errorf("215 should be valid: %v", err)
	}
	if err := store.ValidatePadID(-1); err == nil {
		t.Error("expected error for -1")
	}
	if err := store.ValidatePadID(216); err == nil {
		t.Error("expected error for 216")
	}
}

func TestNewGridSize(t *testing.T) {
	s := store.New(t.TempDir())
	for i := 0; i < store.NumPads; i++ {
		if s.Pad(i) == nil {
			t.Fatalf("pad %d is nil", i)
		}
	}
}

func TestWriteCacheIsContentAddressedAndAtomic(t *testing.T) {
	dir := t.TempDir()
	s := store.New(dir)

	table := pcm.NewTable(48000, 100)
	for i := range table.Data {
		table.Data[i] = float32(i%7) / 10
	}

	p1, err := s.WriteCache(table)
	if err != nil {
		t.Fatalf("WriteCache: %v", err)
	}
	p2, err := s.WriteCache(table)
	if err != nil {
		t.Fatalf("WriteCache (repeat): %v", err)
	}
	if p1 != p2 {
		t.Errorf("expected identical content to hash to the same path, got %q vs %q", p1, p2)
	}
	if filepath.ToSlash(p1) != p1 {
		t.Errorf("cache path must use POSIX separators: %q", p1)
	}

	full := filepath.Join(dir, filepath.FromSlash(p1))
	if _, err := os.Stat(full); err != nil {
		t.Fatalf("cached file missing: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "samples"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".wav" {
			t.Errorf("leftover temp file in cache dir: %s", e.Name())
		}
	}
}

func TestSwapMainReturnsPrevious(t *testing.T) {
	p := &store.Pad{}
	if got := p.MainTable(); got != nil {
		t.Fatalf("expected empty pad to start with nil main table")
	}
	t1 := pcm.NewTable(48000, 10)
	prev := p.SwapMain(t1)
	if prev != nil {
		t.Errorf("expected nil previous on first swap")
	}
	t2 := pcm.NewTable(48000, 20)
	prev = p.SwapMain(t2)
	if prev != t1 {
		t.Errorf("expected previous swap to return t1")
	}
	if p.MainTable() != t2 {
		t.Errorf("expected current table to be t2")
	}
}

func TestUnloadTablesClearsMainAndStems(t *testing.T) {
	p := &store.Pad{}
	main := pcm.NewTable(48000, 10)
	stem := pcm.NewTable(48000, 10)
	p.SwapMain(main)
	p.SwapStem(store.StemVocal, stem)

	old := p.UnloadTables()
	if len(old) != 2 {
		t.Fatalf("expected 2 retired tables, got %d", len(old))
	}
	if p.MainTable() != nil {
		t.Error("expected main table to be cleared")
	}
	if p.StemTable(store.StemVocal) != nil {
		t.Error("expected stem table to be cleared")
	}
}

func TestUnloadTablesOnEmptyPadReturnsNothing(t *testing.T) {
	p := &store.Pad{}
	if old := p.UnloadTables(); len(old) != 0 {
		t.Errorf("expected no retired tables for an already-empty pad, got %d", len(old))
	}
}

func TestResolvePathJoinsStoreRoot(t *testing.T) {
	dir := t.TempDir()
	s := store.New(dir)
	got := s.ResolvePath("samples/abc.wav")
	want := filepath.Join(dir, "samples", "abc.wav")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRetireReapDoesNotPanicAcrossTicks(t *testing.T) {
	s := store.New(t.TempDir())
	old := pcm.NewTable(48000, 5)
	s.Retire(old)

	s.ReapRetired()
	s.TickEpoch()
	s.ReapRetired()
	s.TickEpoch()
	s.ReapRetired()
	// Nothing to assert on directly since reclaim is unexported, but this
	// must not panic across several ticks either before or after the
	// grace period elapses.
}
