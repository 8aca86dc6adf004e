package engine_test

import (
	"math"
	"testing"

	"looper/internal/engine"
	"looper/internal/pcm"
	"looper/internal/project"
	"looper/internal/store"
)

func TestNewWiresComponentsTogether(t *testing.T) {
	c := engine.New(t.TempDir(), 48000, nil)
	if c.Store == nil || c.Project == nil || c.Params == nil || c.Events == nil || c.Messages == nil {
		t.Fatal("expected New to construct every component")
	}
	if c.Deck == nil || c.Loader == nil || c.Voice == nil {
		t.Fatal("expected New to wire deck, loader, and voice")
	}
}

func TestTriggerPadFlowsThroughToVoiceMix(t *testing.T) {
	c := engine.New(t.TempDir(), 48000, nil)

	mono := make([]float32, 48000)
	for i := range mono {
		mono[i] = 0.5
	}
	c.Store.Pad(0).SwapMain(pcm.FromMono(48000, mono))
	c.Store.Pad(0).Config.SamplePath = "samples/a.wav"

	if err := c.Deck.TriggerPad(0); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 256)
	c.Voice.Mix(out)

	nonZero := false
	for _, s := range out {
		if s != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Error("expected triggering a pad through the deck to produce audible output")
	}
}

func TestLoadProjectAppliesPersistedPadConfig(t *testing.T) {
	dir := t.TempDir()
	projPath := dir + "/samples/flitzis_looper.config.json"

	ps := project.New(projPath, nil)
	ps.Mutate(func(s *project.State) {
		s.Pads[2].Gain = 0.3
		s.Speed = 1.5
	})
	if err := ps.Flush(); err != nil {
		t.Fatal(err)
	}

	c := engine.New(dir, 48000, nil)
	c.LoadProject(projPath)

	if c.Store.Pad(2).Config.Gain != 0.3 {
		t.Errorf("expected persisted pad gain to apply, got %v", c.Store.Pad(2).Config.Gain)
	}
	if c.Project.Current().Speed != 1.5 {
		t.Errorf("expected persisted speed to apply, got %v", c.Project.Current().Speed)
	}
}

func TestLoadProjectRestoresSampleWhenCacheMatchesDeviceRate(t *testing.T) {
	dir := t.TempDir()
	projPath := dir + "/samples/flitzis_looper.config.json"

	st := store.New(dir)
	relPath, err := st.WriteCache(pcm.NewTable(48000, 48000))
	if err != nil {
		t.Fatal(err)
	}

	ps := project.New(projPath, nil)
	ps.Mutate(func(s *project.State) { s.Pads[3].SamplePath = relPath })
	if err := ps.Flush(); err != nil {
		t.Fatal(err)
	}

	c := engine.New(dir, 48000, nil)
	c.LoadProject(projPath)
	c.Loader.Wait()

	if c.Store.Pad(3).MainTable() == nil {
		t.Error("expected restored pad's main table to be reloaded")
	}
	if c.Store.Pad(3).Config.SamplePath != relPath {
		t.Errorf("expected sample path to remain %q after a successful restore, got %q", relPath, c.Store.Pad(3).Config.SamplePath)
	}
}

func TestLoadProjectClearsSampleOnRateMismatch(t *testing.T) {
	dir := t.TempDir()
	projPath := dir + "/samples/flitzis_looper.config.json"

	st := store.New(dir)
	relPath, err := st.WriteCache(pcm.NewTable(44100, 4410))
	if err != nil {
		t.Fatal(err)
	}

	ps := project.New(projPath, nil)
	ps.Mutate(func(s *project.State) { s.Pads[4].SamplePath = relPath })
	if err := ps.Flush(); err != nil {
		t.Fatal(err)
	}

	c := engine.New(dir, 48000, nil)
	c.LoadProject(projPath)
	c.Loader.Wait()

	if c.Store.Pad(4).Config.SamplePath != "" {
		t.Error("expected a cached sample at the wrong rate to be cleared on restore")
	}
	if c.Store.Pad(4).MainTable() != nil {
		t.Error("expected no main table for a pad cleared on restore")
	}
	if c.Project.Current().Pads[4].SamplePath != "" {
		t.Error("expected the cleared path to be persisted too")
	}
}

func TestLoadProjectClearsUnusableCachedPath(t *testing.T) {
	dir := t.TempDir()
	projPath := dir + "/samples/flitzis_looper.config.json"

	ps := project.New(projPath, nil)
	ps.Mutate(func(s *project.State) { s.Pads[5].SamplePath = "/etc/passwd" })
	if err := ps.Flush(); err != nil {
		t.Fatal(err)
	}

	c := engine.New(dir, 48000, nil)
	c.LoadProject(projPath)
	c.Loader.Wait()

	if c.Store.Pad(5).Config.SamplePath != "" {
		t.Error("expected an absolute/unrecognized cached path to be cleared on restore")
	}
}

func TestUnloadPadClearsSampleAndPersists(t *testing.T) {
	dir := t.TempDir()
	c := engine.New(dir, 48000, nil)

	mono := make([]float32, 4800)
	c.Store.Pad(6).SwapMain(pcm.FromMono(48000, mono))
	c.Store.Pad(6).Config.SamplePath = "samples/x.wav"

	if err := c.UnloadPad(6); err != nil {
		t.Fatal(err)
	}

	if c.Store.Pad(6).MainTable() != nil {
		t.Error("expected main table to be cleared")
	}
	if c.Store.Pad(6).Config.SamplePath != "" {
		t.Error("expected sample path to be cleared")
	}
	if c.Project.Current().Pads[6].SamplePath != "" {
		t.Error("expected persisted project state to be cleared too")
	}
}

func TestAnalyzePadRunsDetectionOnLoadedPad(t *testing.T) {
	dir := t.TempDir()
	c := engine.New(dir, 48000, nil)

	mono := make([]float32, 48000)
	for i := range mono {
		mono[i] = float32(math.Sin(2 * math.Pi * 2 * float64(i) / 48000))
	}
	c.Store.Pad(7).SwapMain(pcm.FromMono(48000, mono))

	if err := c.AnalyzePad(7); err != nil {
		t.Fatal(err)
	}
	c.Loader.Wait()

	if c.Store.Pad(7).Config.Analysis == nil {
		t.Error("expected analysis to populate after AnalyzePad")
	}
}
