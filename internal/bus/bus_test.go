package bus_test

import (
	"testing"

	"looper/internal/bus"
)

func TestParamTableLatestValueWins(t *testing.T) {
	pt := bus.NewParamTable(4)
	pt.Publish(bus.Command{Kind: bus.CmdSetSpeed, PadID: 0, F1: 1.0})
	pt.Publish(bus.Command{Kind: bus.CmdSetSpeed, PadID: 0, F1: 1.5})

	got, ok := pt.Take(bus.CmdSetSpeed, 0)
	if !ok {
		t.Fatal("expected a pending value")
	}
	if got.F1 != 1.5 {
		t.Errorf("expected latest value 1.5, got %v", got.F1)
	}

	if _, ok := pt.Take(bus.CmdSetSpeed, 0); ok {
		t.Error("expected Take to clear the slot")
	}
}

func TestParamTablePerPadIsolation(t *testing.T) {
	pt := bus.NewParamTable(4)
	pt.Publish(bus.Command{Kind: bus.CmdSetPadGain, PadID: 1, F1: 0.2})
	pt.Publish(bus.Command{Kind: bus.CmdSetPadGain, PadID: 2, F1: 0.8})

	g1, _ := pt.Take(bus.CmdSetPadGain, 1)
	g2, _ := pt.Take(bus.CmdSetPadGain, 2)
	if g1.F1 != 0.2 || g2.F1 != 0.8 {
		t.Errorf("expected isolated per-pad values, got %v and %v", g1.F1, g2.F1)
	}
}

func TestEventQueueFIFOOrder(t *testing.T) {
	var q bus.EventQueue
	q.Push(bus.Command{Kind: bus.CmdTriggerPad, PadID: 5})
	q.Push(bus.Command{Kind: bus.CmdTriggerPad, PadID: 6})
	q.Push(bus.Command{Kind: bus.CmdStopAll})

	events := q.Drain(0)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].PadID != 5 || events[1].PadID != 6 || events[2].Kind != bus.CmdStopAll {
		t.Errorf("expected FIFO order, got %+v", events)
	}

	if more := q.Drain(0); len(more) != 0 {
		t.Error("expected queue to be empty after drain")
	}
}

func TestMessageQueueDrainRespectsMax(t *testing.T) {
	var q bus.MessageQueue
	for i := 0; i < 10; i++ {
		q.Push(bus.Message{Kind: bus.MsgPadPeak, PadID: i})
	}
	first := q.Drain(3)
	if len(first) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(first))
	}
	rest := q.Drain(0)
	if len(rest) != 7 {
		t.Fatalf("expected 7 remaining messages, got %d", len(rest))
	}
}
