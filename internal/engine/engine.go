// Package engine is the top-level controller: it owns the sample store,
// the persisted project, the UI<->audio bus, the transport controller,
// the async loader, the realtime voice engine, and the portaudio stream
// that ties them together. Keep this struct thin — delegate to deck,
// loader, and voice — mirroring the teacher's App, which bridges the
// frontend to Transport and AudioEngine rather than implementing
// protocol or DSP logic itself.
package engine

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"looper/internal/bus"
	"looper/internal/deck"
	"looper/internal/decode"
	"looper/internal/loader"
	"looper/internal/pitch"
	"looper/internal/project"
	"looper/internal/store"
	"looper/internal/voice"
)

// metricsInterval is how often the message pump drains the audio->UI
// queue and lets the project debounce-flush, mirroring adaptBitrateLoop's
// 5 s cache-refresh cadence generalised down to a tighter UI-responsive
// interval appropriate for pad peak meters.
const metricsInterval = 30 * time.Millisecond

// outputFramesPerBuffer is the portaudio callback block size.
const outputFramesPerBuffer = 512

// Controller is the process-wide looper instance.
type Controller struct {
	Store    *store.Store
	Project  *project.Store
	Params   *bus.ParamTable
	Events   *bus.EventQueue
	Messages *bus.MessageQueue
	Deck     *deck.Controller
	Loader   *loader.Loader
	Voice    *voice.Engine

	logger     *slog.Logger
	sampleRate int
	stream     *portaudio.Stream
	outBuf     []float32

	pumpStop chan struct{}
	pumpWG   sync.WaitGroup

	// OnMessage, if set, is called for every message drained from the
	// audio/loader side (pad peaks, playhead positions, loader/analysis
	// progress) — the hook a CLI or future UI front end wires up.
	OnMessage func(bus.Message)
}

// New wires every package together for a project rooted at dir.
func New(dir string, sampleRate int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	st := store.New(dir)
	projPath := dir + "/samples/flitzis_looper.config.json"
	proj := project.New(projPath, logger)

	params := bus.NewParamTable(store.NumPads)
	events := &bus.EventQueue{}
	messages := &bus.MessageQueue{}

	pc := pitch.New()
	voiceEngine := voice.New(st, params, events, messages, pc, sampleRate, logger)
	loaderPool := loader.New(st, messages, sampleRate, logger)
	deckController := deck.New(st, proj, params, events, func() int { return sampleRate })

	c := &Controller{
		Store:      st,
		Project:    proj,
		Params:     params,
		Events:     events,
		Messages:   messages,
		Deck:       deckController,
		Loader:     loaderPool,
		Voice:      voiceEngine,
		logger:     logger,
		sampleRate: sampleRate,
	}
	return c
}

// LoadProject restores persisted project state (pad configs, global
// modes) from disk, applying it to the store and deck.
func (c *Controller) LoadProject(path string) {
	state := project.Load(path, c.logger)
	c.Project.Replace(state)
	for i := range state.Pads {
		c.Store.Pads[i].Config = state.Pads[i]
	}
	c.Deck.SetMultiLoop(state.MultiLoop)
	c.Deck.SetKeyLock(state.KeyLock)
	if err := c.Deck.SetVolume(state.Volume); err != nil {
		c.logger.Warn("engine: restore volume", "err", err)
	}
	if err := c.Deck.SetSpeed(state.Speed); err != nil {
		c.logger.Warn("engine: restore speed", "err", err)
	}
	if state.BPMLock {
		c.Deck.SetBPMLock(true)
	}
	c.restoreSamplesFromProjectState()
}

// restoreSamplesFromProjectState reloads the cached WAV for every pad whose
// persisted config names a sample_path, provided the cached file exists,
// parses as a path this store could have written, and its header reports
// the same sample rate the device is currently running at. Pads that fail
// any of those checks are cleared rather than risking a silent resample-
// on-restore or a decode error surfacing later from the audio thread.
//
// Grounded on loader.py's restore_samples_from_project_state /
// _is_cached_wav_usable / _clear_restored_pad, and run in the same
// position the original's AppController.__init__ calls it: after project
// state has already been applied to transport/deck.
func (c *Controller) restoreSamplesFromProjectState() {
	changed := false
	for padID := 0; padID < store.NumPads; padID++ {
		pad := c.Store.Pad(padID)
		path := pad.Config.SamplePath
		if path == "" {
			continue
		}

		rel, ok := validCachedSamplePath(path)
		if !ok {
			c.logger.Warn("engine: restoring pad with unusable cached sample path", "pad", padID, "path", path)
			c.clearRestoredPad(padID)
			changed = true
			continue
		}

		abs := c.Store.ResolvePath(rel)
		rate, ok := decode.ProbeWAVSampleRate(abs)
		if !ok || rate != c.sampleRate {
			c.logger.Warn("engine: restoring pad with stale or unreadable cached sample", "pad", padID, "path", abs)
			c.clearRestoredPad(padID)
			changed = true
			continue
		}

		if err := c.Loader.Load(padID, abs, false); err != nil {
			c.logger.Warn("engine: failed to schedule restore load", "pad", padID, "err", err)
			c.clearRestoredPad(padID)
			changed = true
		}
	}
	if changed {
		if err := c.Project.Flush(); err != nil {
			c.logger.Error("engine: flush after clearing stale restored pads failed", "err", err)
		}
	}
}

// clearRestoredPad removes a pad's sample reference from both the live
// store and the persisted project, and re-evaluates the BPM-lock anchor in
// case the cleared pad was it. Mirrors _clear_restored_pad.
func (c *Controller) clearRestoredPad(padID int) {
	pad := c.Store.Pad(padID)
	pad.Config.SamplePath = ""
	pad.Config.Analysis = nil
	c.Project.Mutate(func(s *project.State) {
		s.Pads[padID].SamplePath = ""
		s.Pads[padID].Analysis = nil
	})
	c.Deck.NotifyBPMSourceChanged(padID)
}

// validCachedSamplePath rejects anything that isn't a relative path this
// store's cache would have produced: no backslashes (Windows-style paths
// a Go store never writes), not absolute, and rooted at "samples/".
// Ported from loader.py's _parse_cached_sample_path.
func validCachedSamplePath(path string) (string, bool) {
	if strings.Contains(path, "\\") {
		return "", false
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if filepath.IsAbs(clean) {
		return "", false
	}
	parts := strings.Split(clean, "/")
	if len(parts) == 0 || parts[0] != "samples" {
		return "", false
	}
	return clean, true
}

// UnloadPad clears padID's sample: stops any active voice, frees its
// tables and analysis, invalidates its pitch-shift cache entries, and
// persists the cleared state. Grounded on loader.py's unload_sample.
func (c *Controller) UnloadPad(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	if err := c.Deck.StopPad(padID); err != nil {
		return err
	}
	if err := c.Loader.Unload(padID); err != nil {
		return err
	}
	c.Project.Mutate(func(s *project.State) {
		s.Pads[padID].SamplePath = ""
		s.Pads[padID].Analysis = nil
	})
	c.Voice.InvalidatePitchCache(padID)
	c.Deck.NotifyBPMSourceChanged(padID)
	return nil
}

// LoadPad schedules path onto padID asynchronously (optionally running
// beat/key analysis) and invalidates any stale pitch-shift renderings left
// over from whatever the pad previously held, since a new source table
// invalidates any pitched render keyed to the old one.
func (c *Controller) LoadPad(padID int, path string, runAnalysis bool) error {
	if err := c.Loader.Load(padID, path, runAnalysis); err != nil {
		return err
	}
	c.Voice.InvalidatePitchCache(padID)
	return nil
}

// AnalyzePad (re)runs beat/key detection on a pad that already has a
// sample loaded, without touching its PCM table — the entry point the
// context-menu "analyse" action and the clear-and-reschedule resolution
// for a user-initiated reload both need. Grounded on loader.py's
// analyze_sample_async.
func (c *Controller) AnalyzePad(padID int) error {
	return c.Loader.AnalyzeAsync(padID)
}

// Start initializes portaudio, opens the default output stream, and
// starts the voice engine plus the background message pump — the same
// Initialize-then-OpenStream-then-Start sequence main.go/audio.go use,
// generalised to a single fixed output stream instead of paired
// capture/playback streams.
func (c *Controller) Start() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("engine: portaudio init: %w", err)
	}

	outputDev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("engine: default output device: %w", err)
	}

	outBuf := make([]float32, outputFramesPerBuffer*2)
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: 2,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(c.sampleRate),
		FramesPerBuffer: outputFramesPerBuffer,
	}

	stream, err := portaudio.OpenStream(params, outBuf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("engine: open output stream: %w", err)
	}
	c.stream = stream
	c.outBuf = outBuf

	if err := c.Voice.Start(stream, outBuf); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("engine: start voice engine: %w", err)
	}

	c.pumpStop = make(chan struct{})
	c.pumpWG.Add(1)
	go c.pumpMessages()

	c.logger.Info("engine: started", "sample_rate", c.sampleRate, "output_device", outputDev.Name)
	return nil
}

// Stop halts the voice engine (which stops and closes the stream itself),
// terminates portaudio, and flushes the project one final time.
func (c *Controller) Stop() {
	if c.pumpStop != nil {
		close(c.pumpStop)
		c.pumpWG.Wait()
		c.pumpStop = nil
	}
	c.Voice.Stop()
	c.Loader.Wait()
	c.stream = nil
	portaudio.Terminate()
	if err := c.Project.Flush(); err != nil {
		c.logger.Error("engine: final project flush failed", "err", err)
	}
}

// pumpMessages drains the audio/loader->UI message queue and lets the
// project debounce-flush and the sample-table reclaimer reap retired
// pointers, all on the non-realtime controller thread — the same
// ticker-driven goroutine shape as the teacher's adaptBitrateLoop.
func (c *Controller) pumpMessages() {
	defer c.pumpWG.Done()
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.pumpStop:
			return
		case now := <-ticker.C:
			for _, msg := range c.Messages.Drain(256) {
				if c.OnMessage != nil {
					c.OnMessage(msg)
				}
			}
			c.Store.ReapRetired()
			if _, err := c.Project.MaybeFlush(now); err != nil {
				c.logger.Error("engine: project flush failed", "err", err)
			}
		}
	}
}
