// Package voice is the realtime audio engine: the portaudio callback loop
// that mixes every active pad's main/stem tables through a phase-locked
// phasor, applies per-pad EQ and gain, and writes the result to the
// output stream.
//
// Structurally this mirrors the teacher's playbackLoop in audio.go: a
// zeroed output buffer, additive mixing from per-voice state, a single
// clamp pass, then one blocking stream Write per cycle. Where the teacher
// pops decoded Opus frames from a per-sender jitter buffer, this engine
// reads directly from the pad's atomically-published PCM tables and
// advances a per-pad phasor instead.
package voice

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"looper/internal/bus"
	"looper/internal/eq"
	"looper/internal/meter"
	"looper/internal/pcm"
	"looper/internal/pitch"
	"looper/internal/ramp"
	"looper/internal/store"
)

// paStream abstracts a PortAudio output stream so Engine can be exercised
// without real hardware, matching audio.go's paStream interface.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Write() error
}

// muteCrossfadeSeconds is the one-pole time constant used for the
// main/stem crossfade: long enough to hide the click when stems finish
// loading mid-playback, short enough to feel instant.
const muteCrossfadeSeconds = ramp.DefaultTimeConstantSeconds

// voiceState is the per-pad realtime playback state. Owned exclusively by
// the audio thread once started; the controller thread only ever touches
// it indirectly through bus commands.
type voiceState struct {
	padID int

	playing bool
	paused  bool

	phi float64 // phasor position within the loop region, in source frames

	loopStartFrame float64
	loopEndFrame   float64 // 0 means "to end of table"

	gain    float64
	eqBand  *eq.ThreeBand
	mainRMP *ramp.OnePole // 1 = main audible, 0 = silenced in favor of stems
	stemRMP *ramp.OnePole // inverse of mainRMP

	peak meter.Peak

	lastSpeedUsed float64
}

func newVoiceState(padID, sampleRate int) *voiceState {
	v := &voiceState{
		padID:   padID,
		gain:    1.0,
		eqBand:  eq.NewThreeBand(sampleRate),
		mainRMP: ramp.NewOnePole(sampleRate, muteCrossfadeSeconds),
		stemRMP: ramp.NewOnePole(sampleRate, muteCrossfadeSeconds),
	}
	v.mainRMP.Reset(1)
	v.stemRMP.Reset(0)
	return v
}

// Engine owns the realtime mixing state for every pad plus the stream
// lifecycle.
type Engine struct {
	store    *store.Store
	params   *bus.ParamTable
	events   *bus.EventQueue
	messages *bus.MessageQueue
	pitch    *pitch.Cache
	logger   *slog.Logger

	sampleRate int
	speed      float64
	masterVol  float64
	keyLock    bool
	bpmLock    bool
	multiLoop  bool

	voices [store.NumPads]*voiceState

	renderMu      sync.Mutex
	renderPending map[pitch.Key]bool

	stream  paStream
	buf     []float32
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a realtime engine bound to sampleRate output frames/sec.
func New(st *store.Store, params *bus.ParamTable, events *bus.EventQueue, messages *bus.MessageQueue, pc *pitch.Cache, sampleRate int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:         st,
		params:        params,
		events:        events,
		messages:      messages,
		pitch:         pc,
		logger:        logger,
		sampleRate:    sampleRate,
		speed:         1.0,
		masterVol:     1.0,
		renderPending: make(map[pitch.Key]bool),
	}
	for i := range e.voices {
		e.voices[i] = newVoiceState(i, sampleRate)
	}
	return e
}

// Start begins pulling frames from params/events and writing them to
// stream using buf as the interleaved-stereo working buffer, following
// the same Start/stop-channel/WaitGroup sequencing audio.go's
// AudioEngine.Start uses.
func (e *Engine) Start(stream paStream, buf []float32) error {
	if e.running {
		return nil
	}
	if err := stream.Start(); err != nil {
		return err
	}
	e.stream = stream
	e.buf = buf
	e.stopCh = make(chan struct{})
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.outputLoop()
	}()
	return nil
}

// InvalidatePitchCache drops every cached pitch-shift rendering for pad,
// called when its source PCM changes (a fresh load or an unload) so a
// stale pitched table is never reused across a sample swap. Loop-region
// edits do not call it.
func (e *Engine) InvalidatePitchCache(pad int) {
	e.pitch.InvalidatePad(pad)
}

// Stop halts the output loop and closes the stream, mirroring
// AudioEngine.Stop's stop-before-close ordering so a blocking Write
// returns before the native stream is freed.
func (e *Engine) Stop() {
	if !e.running {
		return
	}
	e.running = false
	close(e.stopCh)
	e.wg.Wait()

	if e.stream != nil {
		e.stream.Stop()
		e.stream.Close()
		e.stream = nil
	}
}

func (e *Engine) outputLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		e.Mix(e.buf)
		if err := e.stream.Write(); err != nil {
			e.logger.Error("voice: playback write failed", "err", err)
			return
		}
	}
}

// Mix renders exactly len(out)/2 stereo frames into out, applying every
// pending bus event first. Exported so tests can drive the mixer
// without a real stream.
func (e *Engine) Mix(out []float32) {
	e.applyEvents()
	e.applyGlobalParams()
	e.store.TickEpoch()

	for i := range out {
		out[i] = 0
	}

	frames := len(out) / 2
	for _, v := range e.voices {
		if !v.playing || v.paused {
			continue
		}
		e.applyPadParams(v)
		e.mixVoice(v, out, frames)
	}

	for i := range out {
		out[i] = clamp32(out[i])
	}
}

func clamp32(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func (e *Engine) applyEvents() {
	for _, cmd := range e.events.Drain(0) {
		switch cmd.Kind {
		case bus.CmdTriggerPad:
			if cmd.PadID < 0 || cmd.PadID >= store.NumPads {
				continue
			}
			v := e.voices[cmd.PadID]
			v.playing = true
			v.paused = false
			v.phi = 0
		case bus.CmdStopPad:
			if cmd.PadID < 0 || cmd.PadID >= store.NumPads {
				continue
			}
			v := e.voices[cmd.PadID]
			v.playing = false
			v.paused = false
			v.peak.Reset(nowSeconds())
			e.messages.Push(bus.Message{Kind: bus.MsgSampleStopped, PadID: cmd.PadID})
		case bus.CmdPausePad:
			if cmd.PadID < 0 || cmd.PadID >= store.NumPads {
				continue
			}
			e.voices[cmd.PadID].paused = true
		case bus.CmdResumePad:
			if cmd.PadID < 0 || cmd.PadID >= store.NumPads {
				continue
			}
			e.voices[cmd.PadID].paused = false
		case bus.CmdStopAll:
			for _, v := range e.voices {
				v.playing = false
				v.paused = false
				v.peak.Reset(nowSeconds())
			}
		}
	}
}

func (e *Engine) applyGlobalParams() {
	if cmd, ok := e.params.Take(bus.CmdSetSpeed, 0); ok {
		e.speed = cmd.F1
	}
	if cmd, ok := e.params.Take(bus.CmdSetVolume, 0); ok {
		e.masterVol = cmd.F1
	}
	if cmd, ok := e.params.Take(bus.CmdSetKeyLock, 0); ok {
		e.keyLock = cmd.B1
	}
	if cmd, ok := e.params.Take(bus.CmdSetBPMLock, 0); ok {
		e.bpmLock = cmd.B1
	}
	if cmd, ok := e.params.Take(bus.CmdSetMasterBPM, 0); ok {
		_ = cmd // master BPM informs future tempo-sync features; no direct mixing effect yet
	}
}

func (e *Engine) applyPadParams(v *voiceState) {
	padID := v.padID
	if cmd, ok := e.params.Take(bus.CmdSetLoopRegion, padID); ok {
		rate := float64(e.sampleRate)
		v.loopStartFrame = cmd.F1 * rate
		if cmd.HasEnd {
			v.loopEndFrame = cmd.F2 * rate
		} else {
			v.loopEndFrame = 0
		}
	}
	if cmd, ok := e.params.Take(bus.CmdSetPadGain, padID); ok {
		v.gain = cmd.F1
	}
	if cmd, ok := e.params.Take(bus.CmdSetPadEQ, padID); ok {
		v.eqBand.SetGains(cmd.F1, cmd.F2, cmd.F3)
	}
}

// mixVoice advances v's phasor across frames output frames, reading the
// pad's main/stem tables in lockstep so every stem stays frame-aligned to
// the main track, per the phase-locked mixing model. The phasor itself
// always lives in the dry (source) loop region's frame space, exactly as
// when key lock is off; when a table has been replaced by its WSOLA pitch
// render, the per-frame index into that table is independently rescaled
// by the render's own frames-vs-source ratio, so phi*ratio advances by
// 1/speed*speed == 1 output frame through the pitched material per the
// spec's "phasor advances as if playing at 1x through the pitched
// material" rule, per table, even if main and a given stem haven't
// finished rendering at the same moment.
func (e *Engine) mixVoice(v *voiceState, out []float32, frames int) {
	pad := e.store.Pad(v.padID)
	rawMain := pad.MainTable()
	if rawMain == nil {
		return
	}
	mainTable, mainPitched := e.effectiveTable(rawMain, v, pitch.MainSlot)
	mainRatio := pitchRatio(mainPitched, mainTable, rawMain)

	hasStems := pad.HasAnyStem()
	v.mainRMP.SetTarget(boolToF(!hasStems))
	v.stemRMP.SetTarget(boolToF(hasStems))

	loopStart := v.loopStartFrame
	loopEnd := v.loopEndFrame
	if loopEnd <= loopStart {
		loopEnd = float64(rawMain.Frames)
	}
	length := loopEnd - loopStart
	if length <= 0 {
		return
	}

	advance := e.speed
	if advance <= 0 {
		advance = 1.0
	}

	var stemTables [5]*pcm.Table
	var stemRatios [5]float64
	for k := store.StemVocal; k < 5; k++ {
		raw := pad.StemTable(k)
		if raw == nil {
			continue
		}
		t, pitched := e.effectiveTable(raw, v, int(k))
		stemTables[k] = t
		stemRatios[k] = pitchRatio(pitched, t, raw)
	}

	for f := 0; f < frames; f++ {
		pos := loopStart + v.phi
		mainL, mainR := sampleLinear(mainTable, pos*mainRatio)
		mainCoef := v.mainRMP.Next()
		l := mainL * float32(mainCoef)
		r := mainR * float32(mainCoef)

		stemCoef := v.stemRMP.Next()
		if stemCoef > 1e-6 {
			for k, st := range stemTables {
				if st == nil {
					continue
				}
				sl, sr := sampleLinear(st, pos*stemRatios[k])
				l += sl * float32(stemCoef)
				r += sr * float32(stemCoef)
			}
		}

		l = v.eqBand.Process(0, l)
		r = v.eqBand.Process(1, r)

		gain := float32(v.gain * e.masterVol)
		out[2*f] += l * gain
		out[2*f+1] += r * gain

		peakLevel := math.Max(math.Abs(float64(l)), math.Abs(float64(r)))
		v.peak.Observe(nowSeconds(), peakLevel)

		v.phi += advance
		for v.phi >= length {
			v.phi -= length
		}
	}

	e.messages.Push(bus.Message{Kind: bus.MsgPadPeak, PadID: v.padID, Float1: v.peak.Value()})
	e.messages.Push(bus.Message{Kind: bus.MsgPadPlayhead, PadID: v.padID, Float1: sourceSeconds(rawMain, loopStart+v.phi)})
}

// pitchRatio returns the scale factor that converts a dry-space frame
// index into table's own frame space: 1 for a dry table, or
// table.Frames/raw.Frames for a pitched render, whose frame count differs
// from the source it was rendered from.
func pitchRatio(pitched bool, table, raw *pcm.Table) float64 {
	if !pitched || raw == nil || raw.Frames == 0 {
		return 1.0
	}
	return float64(table.Frames) / float64(raw.Frames)
}

// effectiveTable returns the pitch-cache rendering of t for the engine's
// current speed and slot when key lock is enabled, falling back to t
// itself (and kicking off an async render) when no cached rendering
// exists yet, so the audio thread never blocks on time-stretch work. The
// returned bool reports whether the pitched table (not t) was returned.
func (e *Engine) effectiveTable(t *pcm.Table, v *voiceState, slot int) (*pcm.Table, bool) {
	if t == nil {
		return nil, false
	}
	if !e.keyLock || e.speed == 1.0 {
		return t, false
	}
	if rendered, ok := e.pitch.Get(v.padID, slot, e.speed); ok {
		return rendered, true
	}
	e.scheduleRender(pitch.Key{PadID: v.padID, Slot: slot, Speed: e.speed}, t)
	return t, false
}

func (e *Engine) scheduleRender(key pitch.Key, src *pcm.Table) {
	e.renderMu.Lock()
	if e.renderPending[key] {
		e.renderMu.Unlock()
		return
	}
	e.renderPending[key] = true
	e.renderMu.Unlock()

	go func() {
		defer func() {
			e.renderMu.Lock()
			delete(e.renderPending, key)
			e.renderMu.Unlock()
		}()
		rendered := pitch.Render(src, key.Speed)
		e.pitch.Put(key.PadID, key.Slot, key.Speed, rendered)
	}()
}

func boolToF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// sampleLinear linearly interpolates a stereo sample at a fractional
// frame index, clamping to the table's valid range.
func sampleLinear(t *pcm.Table, idx float64) (l, r float32) {
	if idx < 0 {
		idx = 0
	}
	i0 := int(idx)
	if i0 >= t.Frames-1 {
		return t.At(t.Frames - 1)
	}
	frac := idx - float64(i0)
	l0, r0 := t.At(i0)
	l1, r1 := t.At(i0 + 1)
	l = l0 + float32(frac)*(l1-l0)
	r = r0 + float32(frac)*(r1-r0)
	return l, r
}

func sourceSeconds(t *pcm.Table, frame float64) float64 {
	if t.SampleRate <= 0 {
		return 0
	}
	return frame / float64(t.SampleRate)
}

// clockStart anchors nowSeconds; time.Since reads the monotonic clock.
var clockStart = time.Now()

// nowSeconds returns a monotonic clock reading in seconds for peak decay
// timing, avoiding a dependency on wall-clock time inside the hot
// mixing loop's call sites that only need relative deltas.
func nowSeconds() float64 {
	return time.Since(clockStart).Seconds()
}
