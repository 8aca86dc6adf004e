// Package deck implements the non-realtime transport controller: trigger
// and stop semantics, loop-region derivation with beat snapping and frame
// quantisation, BPM lock, key lock, multi-loop, and tap-tempo. It mutates
// project and session state and publishes the results to the voice engine
// over the lock-free bus; it never touches PCM data directly.
//
// Grounded directly on
// _examples/original_source/src/flitzis_looper/controller/transport/{loop,bpm,global_params}.py:
// the loop-region derivation, BPM-lock anchoring, and tap-tempo window are
// re-expressed here as methods on Controller rather than a facade of
// cooperating Python mixins.
package deck

import (
	"fmt"
	"math"
	"sync"
	"time"

	"looper/internal/bus"
	"looper/internal/project"
	"looper/internal/store"
)

// tapBPMWindowSize mirrors BpmController._TAP_BPM_WINDOW_SIZE.
const tapBPMWindowSize = 5

// Session holds runtime-only state that is never persisted: active/pressed
// pads, tap-tempo bookkeeping, and the BPM-lock anchor.
type Session struct {
	ActiveSampleIDs map[int]bool
	PressedPads     [store.NumPads]bool

	TapBPMPadID      *int
	TapBPMTimestamps []time.Time

	BPMLockAnchorPadID *int
	BPMLockAnchorBPM   *float64
	MasterBPM          *float64
}

func newSession() *Session {
	return &Session{ActiveSampleIDs: make(map[int]bool)}
}

// OutputSampleRateFunc reports the engine's current output device sample
// rate; deck uses it for frame quantisation.
type OutputSampleRateFunc func() int

// Controller is the transport controller: the non-realtime owner of
// playback intent.
type Controller struct {
	mu sync.Mutex

	store       *store.Store
	project     *project.Store
	params      *bus.ParamTable
	events      *bus.EventQueue
	outputRate  OutputSampleRateFunc
	session     *Session
}

// New creates a transport controller.
func New(st *store.Store, proj *project.Store, params *bus.ParamTable, events *bus.EventQueue, outputRate OutputSampleRateFunc) *Controller {
	return &Controller{
		store:      st,
		project:    proj,
		params:     params,
		events:     events,
		outputRate: outputRate,
		session:    newSession(),
	}
}

// Session returns the controller's runtime session state (not persisted).
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func ensureFinite(x float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return fmt.Errorf("deck: value must be finite, got %v", x)
	}
	return nil
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Quantize rounds t (seconds) to the nearest integer output-sample
// boundary: quantize(t) = round(t * fs) / fs. Falls through unchanged if
// the output rate is not yet known.
func (c *Controller) Quantize(t float64) float64 {
	rate := c.outputRate()
	if rate <= 0 {
		return t
	}
	frames := math.Round(t * float64(rate))
	if frames < 0 {
		frames = 0
	}
	return frames / float64(rate)
}

// SnapToNearestBeat returns the entry of beats closest to t, or t
// unchanged if beats is empty.
func SnapToNearestBeat(t float64, beats []float64) float64 {
	if len(beats) == 0 {
		return t
	}
	best := beats[0]
	bestDiff := math.Abs(best - t)
	for _, b := range beats[1:] {
		if d := math.Abs(b - t); d < bestDiff {
			best, bestDiff = b, d
		}
	}
	return best
}

// EffectiveBPM returns the pad's manual BPM override if set, else its
// analysed BPM, else nil (unknown).
func (c *Controller) EffectiveBPM(padID int) *float64 {
	pad := c.store.Pad(padID)
	if pad.Config.ManualBPM != nil {
		v := *pad.Config.ManualBPM
		return &v
	}
	if pad.Config.Analysis != nil {
		v := pad.Config.Analysis.BPM
		if v > 0 {
			return &v
		}
	}
	return nil
}

func (c *Controller) gridOffsetBeats(padID int) []float64 {
	pad := c.store.Pad(padID)
	if pad.Config.Analysis == nil {
		return nil
	}
	rate := c.outputRate()
	offsetS := 0.0
	if rate > 0 {
		offsetS = float64(pad.Config.GridOffsetSamples) / float64(rate)
	}
	beats := make([]float64, len(pad.Config.Analysis.BeatGrid.Beats))
	for i, b := range pad.Config.Analysis.BeatGrid.Beats {
		beats[i] = b + offsetS
	}
	return beats
}

// EffectiveLoopRegion derives the region the voice engine should play, per
// spec.md §4.2 steps 1-4.
func (c *Controller) EffectiveLoopRegion(padID int) (start float64, end *float64, err error) {
	if err := store.ValidatePadID(padID); err != nil {
		return 0, nil, err
	}
	pad := c.store.Pad(padID)
	beats := c.gridOffsetBeats(padID)

	startS := pad.Config.LoopStartS
	endS := pad.Config.LoopEndS

	if !pad.Config.LoopAuto {
		startS = c.Quantize(startS)
		if endS != nil {
			q := c.Quantize(*endS)
			endS = &q
			if *endS <= startS {
				endS = nil
			}
		}
		return startS, endS, nil
	}

	startS = SnapToNearestBeat(startS, beats)
	startS = c.Quantize(startS)

	bpm := c.EffectiveBPM(padID)
	if bpm == nil || *bpm <= 0 {
		if endS != nil {
			q := c.Quantize(*endS)
			endS = &q
			if *endS <= startS {
				endS = nil
			}
		}
		return startS, endS, nil
	}

	bars := pad.Config.LoopBars
	if bars < store.LoopBarsMin {
		bars = store.LoopBarsMin
	}
	durationS := float64(bars*4) * 60.0 / *bpm
	effectiveEnd := SnapToNearestBeat(startS+durationS, beats)
	effectiveEnd = c.Quantize(effectiveEnd)
	if effectiveEnd <= startS {
		return startS, nil, nil
	}
	return startS, &effectiveEnd, nil
}

// applyLoopRegion recomputes and publishes a pad's effective region to the
// voice engine, a no-op for empty pads.
func (c *Controller) applyLoopRegion(padID int) {
	pad := c.store.Pad(padID)
	if pad.Config.SamplePath == "" {
		return
	}
	start, end, err := c.EffectiveLoopRegion(padID)
	if err != nil {
		return
	}
	cmd := bus.Command{Kind: bus.CmdSetLoopRegion, PadID: padID, F1: start}
	if end != nil {
		cmd.F2 = *end
		cmd.HasEnd = true
	}
	c.params.Publish(cmd)
}

func (c *Controller) markDirty(fn func(*project.State)) {
	c.project.Mutate(fn)
}

// Reset restores a pad's loop region to a computed default: start at the
// first downbeat (falling back to the first beat, then 0), auto mode,
// four bars.
func (c *Controller) Reset(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	pad := c.store.Pad(padID)

	startS := 0.0
	if pad.Config.Analysis != nil {
		grid := pad.Config.Analysis.BeatGrid
		switch {
		case len(grid.Downbeats) > 0:
			startS = grid.Downbeats[0]
		case len(grid.Beats) > 0:
			startS = grid.Beats[0]
		}
	}
	beats := c.gridOffsetBeats(padID)
	startS = SnapToNearestBeat(startS, beats)
	startS = c.Quantize(startS)

	c.markDirty(func(s *project.State) {
		s.Pads[padID].LoopStartS = startS
		s.Pads[padID].LoopEndS = nil
		s.Pads[padID].LoopAuto = true
		s.Pads[padID].LoopBars = 4
	})
	pad.Config.LoopStartS = startS
	pad.Config.LoopEndS = nil
	pad.Config.LoopAuto = true
	pad.Config.LoopBars = 4
	c.applyLoopRegion(padID)
	return nil
}

// SetAuto toggles loop_auto for a pad.
func (c *Controller) SetAuto(padID int, enabled bool) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	pad := c.store.Pad(padID)
	if enabled == pad.Config.LoopAuto {
		return nil
	}
	pad.Config.LoopAuto = enabled
	if enabled {
		beats := c.gridOffsetBeats(padID)
		startS := SnapToNearestBeat(pad.Config.LoopStartS, beats)
		startS = c.Quantize(startS)
		pad.Config.LoopStartS = startS
	}
	c.markDirty(func(s *project.State) {
		s.Pads[padID].LoopAuto = pad.Config.LoopAuto
		s.Pads[padID].LoopStartS = pad.Config.LoopStartS
	})
	c.applyLoopRegion(padID)
	return nil
}

// SetBars sets the auto-loop bar count (clamped to >= 1).
func (c *Controller) SetBars(padID int, bars int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	if bars < store.LoopBarsMin {
		bars = store.LoopBarsMin
	}
	pad := c.store.Pad(padID)
	if bars == pad.Config.LoopBars {
		return nil
	}
	pad.Config.LoopBars = bars
	c.markDirty(func(s *project.State) { s.Pads[padID].LoopBars = bars })
	c.applyLoopRegion(padID)
	return nil
}

// SetStart sets the manual loop start in seconds; snapped to the beat grid
// when loop_auto is on.
func (c *Controller) SetStart(padID int, startS float64) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	if err := ensureFinite(startS); err != nil {
		return err
	}
	if startS < 0 {
		startS = 0
	}
	pad := c.store.Pad(padID)
	if pad.Config.LoopAuto {
		beats := c.gridOffsetBeats(padID)
		startS = SnapToNearestBeat(startS, beats)
	}
	startS = c.Quantize(startS)
	pad.Config.LoopStartS = startS
	c.markDirty(func(s *project.State) { s.Pads[padID].LoopStartS = startS })
	c.applyLoopRegion(padID)
	return nil
}

// SetEnd sets the manual loop end in seconds, or clears it (nil) meaning
// loop-to-sample-end. A click that produces end <= start clears the end,
// per spec.md §4.2.
func (c *Controller) SetEnd(padID int, endS *float64) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	pad := c.store.Pad(padID)
	var clamped *float64
	if endS != nil {
		if err := ensureFinite(*endS); err != nil {
			return err
		}
		e := *endS
		if e < 0 {
			e = 0
		}
		e = c.Quantize(e)
		start := c.Quantize(pad.Config.LoopStartS)
		if e > start {
			clamped = &e
		}
	}
	pad.Config.LoopEndS = clamped
	c.markDirty(func(s *project.State) { s.Pads[padID].LoopEndS = clamped })
	c.applyLoopRegion(padID)
	return nil
}

// SetGridOffsetSamples sets the beat-grid offset applied before snapping.
func (c *Controller) SetGridOffsetSamples(padID int, offset int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	pad := c.store.Pad(padID)
	pad.Config.GridOffsetSamples = offset
	c.markDirty(func(s *project.State) { s.Pads[padID].GridOffsetSamples = offset })
	c.applyLoopRegion(padID)
	return nil
}

// SetManualBPM sets a pad's manual BPM override; bpm must be > 0 and
// finite.
func (c *Controller) SetManualBPM(padID int, bpm float64) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	if err := ensureFinite(bpm); err != nil {
		return err
	}
	if bpm <= 0 {
		return fmt.Errorf("deck: bpm must be > 0, got %v", bpm)
	}
	pad := c.store.Pad(padID)
	pad.Config.ManualBPM = &bpm
	c.markDirty(func(s *project.State) { s.Pads[padID].ManualBPM = &bpm })
	c.onPadBPMChanged(padID)
	c.applyLoopRegion(padID)
	return nil
}

// ClearManualBPM removes a pad's manual BPM override, reverting to the
// analysed value if any.
func (c *Controller) ClearManualBPM(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	pad := c.store.Pad(padID)
	pad.Config.ManualBPM = nil
	c.markDirty(func(s *project.State) { s.Pads[padID].ManualBPM = nil })
	c.onPadBPMChanged(padID)
	c.applyLoopRegion(padID)
	return nil
}

// TapBPM registers a tap-tempo event for padID at the current monotonic
// time and returns the estimated BPM once at least three strictly
// increasing taps are available, matching
// BpmController.tap_bpm.
func (c *Controller) TapBPM(padID int, now time.Time) (float64, bool) {
	if err := store.ValidatePadID(padID); err != nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s.TapBPMPadID == nil || *s.TapBPMPadID != padID {
		id := padID
		s.TapBPMPadID = &id
		s.TapBPMTimestamps = nil
	}

	if len(s.TapBPMTimestamps) > 0 && !now.After(s.TapBPMTimestamps[len(s.TapBPMTimestamps)-1]) {
		return 0, false
	}

	s.TapBPMTimestamps = append(s.TapBPMTimestamps, now)
	if len(s.TapBPMTimestamps) > tapBPMWindowSize {
		s.TapBPMTimestamps = s.TapBPMTimestamps[len(s.TapBPMTimestamps)-tapBPMWindowSize:]
	}
	if len(s.TapBPMTimestamps) < 3 {
		return 0, false
	}

	var sumIntervals float64
	n := 0
	for i := 1; i < len(s.TapBPMTimestamps); i++ {
		d := s.TapBPMTimestamps[i].Sub(s.TapBPMTimestamps[i-1]).Seconds()
		sumIntervals += d
		n++
	}
	avgInterval := sumIntervals / float64(n)
	if avgInterval <= 0 {
		return 0, false
	}
	bpm := 60.0 / avgInterval
	if math.IsNaN(bpm) || math.IsInf(bpm, 0) {
		return 0, false
	}

	pad := c.store.Pad(padID)
	pad.Config.ManualBPM = &bpm
	c.markDirty(func(st *project.State) { st.Pads[padID].ManualBPM = &bpm })
	return bpm, true
}

// NotifyBPMSourceChanged re-evaluates the BPM-lock anchor for padID.
// Exported so collaborators outside deck (the loader's restore and unload
// paths) can trigger the same recompute deck's own BPM setters do,
// mirroring loader.py's on_pad_bpm_changed callback firing from
// _clear_restored_pad and unload_sample.
func (c *Controller) NotifyBPMSourceChanged(padID int) {
	c.onPadBPMChanged(padID)
}

// onPadBPMChanged republishes a pad's effective BPM and, if it is the
// BPM-lock anchor pad, recomputes the master BPM.
func (c *Controller) onPadBPMChanged(padID int) {
	c.mu.Lock()
	isAnchor := c.session.BPMLockAnchorPadID != nil && *c.session.BPMLockAnchorPadID == padID
	c.mu.Unlock()
	if !isAnchor {
		return
	}
	bpm := c.EffectiveBPM(padID)
	c.mu.Lock()
	c.session.BPMLockAnchorBPM = bpm
	c.mu.Unlock()
	c.recomputeMasterBPM()
}

// recomputeMasterBPM recomputes master_bpm = anchor_bpm * speed when BPM
// lock is enabled, publishing the result to the audio thread.
func (c *Controller) recomputeMasterBPM() {
	proj := c.project.Current()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !proj.BPMLock || c.session.BPMLockAnchorBPM == nil {
		c.session.MasterBPM = nil
		return
	}
	master := *c.session.BPMLockAnchorBPM * proj.Speed
	c.session.MasterBPM = &master
	c.params.Publish(bus.Command{Kind: bus.CmdSetMasterBPM, PadID: 0, F1: master, HasEnd: true})
}

// SetMultiLoop enables/disables layered (vs exclusive) trigger semantics.
func (c *Controller) SetMultiLoop(enabled bool) {
	c.markDirty(func(s *project.State) { s.MultiLoop = enabled })
}

// SetKeyLock enables/disables pitch-preserving playback under speed
// change.
func (c *Controller) SetKeyLock(enabled bool) {
	if c.project.Current().KeyLock == enabled {
		return
	}
	c.markDirty(func(s *project.State) { s.KeyLock = enabled })
	c.params.Publish(bus.Command{Kind: bus.CmdSetKeyLock, B1: enabled})
}

// SetBPMLock enables/disables BPM-lock mode, anchoring to the currently
// selected pad.
func (c *Controller) SetBPMLock(enabled bool) {
	proj := c.project.Current()
	if proj.BPMLock == enabled {
		return
	}
	c.markDirty(func(s *project.State) { s.BPMLock = enabled })

	c.mu.Lock()
	if enabled {
		anchorPad := proj.SelectedPad
		anchorBPM := c.EffectiveBPM(anchorPad)
		c.session.BPMLockAnchorPadID = &anchorPad
		c.session.BPMLockAnchorBPM = anchorBPM
	} else {
		c.session.BPMLockAnchorPadID = nil
		c.session.BPMLockAnchorBPM = nil
	}
	c.mu.Unlock()

	c.params.Publish(bus.Command{Kind: bus.CmdSetBPMLock, B1: enabled})
	c.recomputeMasterBPM()
}

// SetVolume sets global volume, clamped to [0,1].
func (c *Controller) SetVolume(volume float64) error {
	if err := ensureFinite(volume); err != nil {
		return err
	}
	clamped := clamp(volume, store.VolumeMin, store.VolumeMax)
	c.params.Publish(bus.Command{Kind: bus.CmdSetVolume, F1: clamped})
	c.markDirty(func(s *project.State) { s.Volume = clamped })
	return nil
}

// SetSpeed sets global playback speed, clamped to [0.5, 2.0].
func (c *Controller) SetSpeed(speed float64) error {
	if err := ensureFinite(speed); err != nil {
		return err
	}
	clamped := clamp(speed, store.SpeedMin, store.SpeedMax)
	c.params.Publish(bus.Command{Kind: bus.CmdSetSpeed, F1: clamped})
	c.markDirty(func(s *project.State) { s.Speed = clamped })
	c.recomputeMasterBPM()
	return nil
}

// ResetSpeed resets global speed back to 1.0x.
func (c *Controller) ResetSpeed() error { return c.SetSpeed(1.0) }

// SetPadGain sets a pad's linear gain, clamped to [0,1].
func (c *Controller) SetPadGain(padID int, gain float64) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	if err := ensureFinite(gain); err != nil {
		return err
	}
	clamped := clamp(gain, store.PadGainMin, store.PadGainMax)
	pad := c.store.Pad(padID)
	pad.Config.Gain = clamped
	c.markDirty(func(s *project.State) { s.Pads[padID].Gain = clamped })
	c.params.Publish(bus.Command{Kind: bus.CmdSetPadGain, PadID: padID, F1: clamped})
	return nil
}

// SetPadEQ sets a pad's three-band EQ gains in dB, each clamped to
// [-24, 24].
func (c *Controller) SetPadEQ(padID int, lowDB, midDB, highDB float64) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	for _, v := range []float64{lowDB, midDB, highDB} {
		if err := ensureFinite(v); err != nil {
			return err
		}
	}
	lowDB = clamp(lowDB, store.PadEQDBMin, store.PadEQDBMax)
	midDB = clamp(midDB, store.PadEQDBMin, store.PadEQDBMax)
	highDB = clamp(highDB, store.PadEQDBMin, store.PadEQDBMax)

	pad := c.store.Pad(padID)
	pad.Config.EQLowDB, pad.Config.EQMidDB, pad.Config.EQHighDB = lowDB, midDB, highDB
	c.markDirty(func(s *project.State) {
		s.Pads[padID].EQLowDB, s.Pads[padID].EQMidDB, s.Pads[padID].EQHighDB = lowDB, midDB, highDB
	})
	c.params.Publish(bus.Command{Kind: bus.CmdSetPadEQ, PadID: padID, F1: lowDB, F2: midDB, F3: highDB})
	return nil
}

// TriggerPad starts (or restarts) a pad. In exclusive mode (multi_loop
// off) every other active voice is stopped first; retriggering a playing
// pad resets its phasor to 0.
func (c *Controller) TriggerPad(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	pad := c.store.Pad(padID)
	if pad.Config.SamplePath == "" {
		return fmt.Errorf("deck: pad %d has no sample loaded", padID)
	}

	proj := c.project.Current()
	c.mu.Lock()
	if !proj.MultiLoop {
		for id := range c.session.ActiveSampleIDs {
			if id != padID {
				delete(c.session.ActiveSampleIDs, id)
				c.events.Push(bus.Command{Kind: bus.CmdStopPad, PadID: id})
			}
		}
	}
	c.session.ActiveSampleIDs[padID] = true
	c.mu.Unlock()

	c.applyLoopRegion(padID)
	c.events.Push(bus.Command{Kind: bus.CmdTriggerPad, PadID: padID})
	return nil
}

// StopPad stops a single pad.
func (c *Controller) StopPad(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.session.ActiveSampleIDs, padID)
	c.mu.Unlock()
	c.events.Push(bus.Command{Kind: bus.CmdStopPad, PadID: padID})
	return nil
}

// PausePad preserves phasor position while silencing output.
func (c *Controller) PausePad(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	c.events.Push(bus.Command{Kind: bus.CmdPausePad, PadID: padID})
	return nil
}

// ResumePad resumes a paused pad from its preserved phasor position.
func (c *Controller) ResumePad(padID int) error {
	if err := store.ValidatePadID(padID); err != nil {
		return err
	}
	c.events.Push(bus.Command{Kind: bus.CmdResumePad, PadID: padID})
	return nil
}

// StopAll stops every active voice.
func (c *Controller) StopAll() {
	c.mu.Lock()
	c.session.ActiveSampleIDs = make(map[int]bool)
	c.mu.Unlock()
	c.events.Push(bus.Command{Kind: bus.CmdStopAll})
}
