package voice_test

import (
	"testing"

	"looper/internal/bus"
	"looper/internal/pcm"
	"looper/internal/pitch"
	"looper/internal/store"
	"looper/internal/voice"
)

const testRate = 48000

func constantTable(rate, frames int) *pcm.Table {
	mono := make([]float32, frames)
	for i := range mono {
		mono[i] = 0.5
	}
	return pcm.FromMono(rate, mono)
}

func newTestEngine(t *testing.T) (*voice.Engine, *store.Store, *bus.ParamTable, *bus.EventQueue) {
	t.Helper()
	st := store.New(t.TempDir())
	params := bus.NewParamTable(store.NumPads)
	events := &bus.EventQueue{}
	messages := &bus.MessageQueue{}
	pc := pitch.New()
	e := voice.New(st, params, events, messages, pc, testRate, nil)
	return e, st, params, events
}

func TestMixSilentWhenNoPadsActive(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	out := make([]float32, 256)
	e.Mix(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("expected silence at %d, got %v", i, s)
		}
	}
}

func TestMixProducesOutputAfterTrigger(t *testing.T) {
	e, st, params, events := newTestEngine(t)
	pad := st.Pad(0)
	pad.SwapMain(constantTable(testRate, testRate))
	params.Publish(bus.Command{Kind: bus.CmdSetLoopRegion, PadID: 0, F1: 0, F2: 1.0, HasEnd: true})
	params.Publish(bus.Command{Kind: bus.CmdSetPadGain, PadID: 0, F1: 1.0})
	params.Publish(bus.Command{Kind: bus.CmdSetVolume, PadID: 0, F1: 1.0})
	events.Push(bus.Command{Kind: bus.CmdTriggerPad, PadID: 0})

	out := make([]float32, 512)
	e.Mix(out)

	nonZero := false
	for _, s := range out {
		if s != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		t.Fatal("expected non-silent output for an active pad")
	}
}

func TestMixStopsAfterStopPad(t *testing.T) {
	e, st, params, events := newTestEngine(t)
	pad := st.Pad(0)
	pad.SwapMain(constantTable(testRate, testRate))
	params.Publish(bus.Command{Kind: bus.CmdSetLoopRegion, PadID: 0, F1: 0, F2: 1.0, HasEnd: true})
	params.Publish(bus.Command{Kind: bus.CmdSetVolume, PadID: 0, F1: 1.0})
	params.Publish(bus.Command{Kind: bus.CmdSetPadGain, PadID: 0, F1: 1.0})
	events.Push(bus.Command{Kind: bus.CmdTriggerPad, PadID: 0})

	out := make([]float32, 64)
	e.Mix(out)

	events.Push(bus.Command{Kind: bus.CmdStopPad, PadID: 0})
	e.Mix(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("expected silence after stop at %d, got %v", i, s)
		}
	}
}

func TestMixNeverPanicsWithoutLoopRegionPublished(t *testing.T) {
	e, st, _, events := newTestEngine(t)
	pad := st.Pad(0)
	pad.SwapMain(constantTable(testRate, testRate))
	events.Push(bus.Command{Kind: bus.CmdTriggerPad, PadID: 0})

	out := make([]float32, 128)
	e.Mix(out)
}

func TestMixOutputStaysWithinUnitRange(t *testing.T) {
	e, st, params, events := newTestEngine(t)
	pad := st.Pad(0)
	pad.SwapMain(constantTable(testRate, testRate))
	params.Publish(bus.Command{Kind: bus.CmdSetLoopRegion, PadID: 0, F1: 0, F2: 1.0, HasEnd: true})
	params.Publish(bus.Command{Kind: bus.CmdSetVolume, PadID: 0, F1: 1.0})
	params.Publish(bus.Command{Kind: bus.CmdSetPadGain, PadID: 0, F1: 1.0})
	events.Push(bus.Command{Kind: bus.CmdTriggerPad, PadID: 0})

	out := make([]float32, 1024)
	for i := 0; i < 10; i++ {
		e.Mix(out)
	}
	for _, s := range out {
		if s > 1.0001 || s < -1.0001 {
			t.Fatalf("expected clamped output, got %v", s)
		}
	}
}
