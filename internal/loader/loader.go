// Package loader runs sample decoding and beat/key analysis off the audio
// thread: a bounded worker pool that decodes a source file, resamples it
// to the engine's output rate, writes it into the content-addressed
// cache, publishes the result into the store behind an atomic pointer
// swap, and optionally runs onset/key analysis — emitting progress
// messages over the bus the whole way, grounded on the concurrency-
// limited fan-out golang.org/x/sync/errgroup provides.
package loader

import (
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"looper/internal/analysis"
	"looper/internal/bus"
	"looper/internal/decode"
	"looper/internal/pcm"
	"looper/internal/store"
)

// defaultMaxConcurrency bounds how many decode/analysis jobs run at once;
// decoding and FFT analysis are CPU-bound, so an unbounded fan-out would
// just thrash the scheduler on large batch imports.
const defaultMaxConcurrency = 4

// Loader owns the async decode/analyze worker pool.
type Loader struct {
	store            *store.Store
	messages         *bus.MessageQueue
	logger           *slog.Logger
	targetSampleRate int

	group *errgroup.Group
}

// New creates a Loader that resamples every decoded sample to
// targetSampleRate (the engine's output rate) and runs up to
// defaultMaxConcurrency jobs concurrently.
func New(st *store.Store, messages *bus.MessageQueue, targetSampleRate int, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	g := &errgroup.Group{}
	g.SetLimit(defaultMaxConcurrency)
	return &Loader{
		store:            st,
		messages:         messages,
		logger:           logger,
		targetSampleRate: targetSampleRate,
		group:            g,
	}
}

// Load schedules padID to load path asynchronously, returning immediately.
// When runAnalysis is true, beat/key detection runs after a successful
// decode and populates the pad's Analysis.
func (l *Loader) Load(padID int, path string, runAnalysis bool) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	l.group.Go(func() error {
		l.run(padID, path, runAnalysis)
		return nil
	})
	return nil
}

// Wait blocks until every scheduled job has finished, used on shutdown so
// a pending import never silently races a Retire/reap pass.
func (l *Loader) Wait() {
	l.group.Wait()
}

// Unload flips padID's tables to empty, queuing the previously-published
// main and stem tables for grace-period reclamation, and clears its
// sample/analysis bookkeeping. Grounded on loader.py's unload_sample.
func (l *Loader) Unload(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	pad := l.store.Pad(padID)
	for _, old := range pad.UnloadTables() {
		l.store.Retire(old)
	}
	pad.Config.SamplePath = ""
	pad.Config.Analysis = nil
	pad.DurationS = 0
	pad.SourceSampleRate = 0
	l.messages.Push(bus.Message{Kind: bus.MsgUnloaded, PadID: padID})
	return nil
}

// AnalyzeAsync schedules beat/key analysis for an already-loaded pad,
// without touching its PCM table. Grounded on loader.py's
// analyze_sample_async, which lets the context-menu "analyse" action
// (re)run detection independently of a fresh load.
func (l *Loader) AnalyzeAsync(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	pad := l.store.Pad(padID)
	table := pad.MainTable()
	if table == nil {
		return fmt.Errorf("loader: pad %d has no sample loaded", padID)
	}
	l.group.Go(func() error {
		l.analyze(padID, table)
		return nil
	})
	return nil
}

func (l *Loader) run(padID int, path string, runAnalysis bool) {
	l.messages.Push(bus.Message{Kind: bus.MsgLoaderStarted, PadID: padID, Stage: path})

	table, sourceRate, err := decode.File(path, l.targetSampleRate)
	if err != nil {
		l.fail(padID, bus.MsgLoaderError, fmt.Errorf("loader: decode %s: %w", path, err))
		return
	}
	l.messages.Push(bus.Message{Kind: bus.MsgLoaderProgress, PadID: padID, Percent: 0.5})

	relPath, err := l.store.WriteCache(table)
	if err != nil {
		l.fail(padID, bus.MsgLoaderError, fmt.Errorf("loader: cache %s: %w", path, err))
		return
	}

	pad := l.store.Pad(padID)
	old := pad.SwapMain(table)
	l.store.Retire(old)
	pad.Config.SamplePath = relPath
	pad.DurationS = table.DurationSeconds()
	pad.SourceSampleRate = sourceRate
	if runAnalysis {
		// The previous sample's analysis no longer applies; it is
		// replaced once the re-analysis below succeeds.
		pad.Config.Analysis = nil
	}

	l.messages.Push(bus.Message{Kind: bus.MsgLoaderProgress, PadID: padID, Percent: 1.0})
	l.messages.Push(bus.Message{Kind: bus.MsgLoaderSuccess, PadID: padID})

	if !runAnalysis {
		return
	}
	l.analyze(padID, table)
}

func (l *Loader) analyze(padID int, table *pcm.Table) {
	l.messages.Push(bus.Message{Kind: bus.MsgAnalysisStarted, PadID: padID})

	result, err := analysis.Detect(table)
	if err != nil {
		l.fail(padID, bus.MsgAnalysisError, fmt.Errorf("loader: analyze pad %d: %w", padID, err))
		return
	}

	pad := l.store.Pad(padID)
	pad.Config.Analysis = &result

	l.messages.Push(bus.Message{Kind: bus.MsgAnalysisProgress, PadID: padID, Percent: 1.0})
	l.messages.Push(bus.Message{Kind: bus.MsgAnalysisSuccess, PadID: padID, Float1: result.BPM})
}

func (l *Loader) fail(padID int, kind bus.MessageKind, err error) {
	l.logger.Error("loader job failed", "pad", padID, "err", err)
	l.messages.Push(bus.Message{Kind: kind, PadID: padID, Err: err.Error()})
}
