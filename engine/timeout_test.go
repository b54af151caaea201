package engine

import (
	"testing"
	"time"

	"github.com/blockberries/stakeberry/types"
)

func TestSlotTickerSlotAt(t *testing.T) {
	genesis := time.Unix(1_600_000_000, 0)
	st := NewSlotTicker(genesis, 12*time.Second)

	tests := []struct {
		at   time.Time
		want types.Slot
	}{
		{genesis.Add(-time.Hour), 0},
		{genesis, 0},
		{genesis.Add(11 * time.Second), 0},
		{genesis.Add(12 * time.Second), 1},
		{genesis.Add(125 * time.Second), 10},
	}
	for _, tt := range tests {
		if got := st.SlotAt(tt.at); got != tt.want {
			t.Errorf("SlotAt(%v): got %d, want %d", tt.at.Sub(genesis), got, tt.want)
		}
	}

	if got := st.SlotStart(10); !got.Equal(genesis.Add(120 * time.Second)) {
		t.Errorf("unexpected start of slot 10: %v", got)
	}
}

func TestSlotTickerDeliversConsecutiveSlots(t *testing.T) {
	duration := 20 * time.Millisecond
	genesis := time.Now().Add(-5 * duration)
	st := NewSlotTicker(genesis, duration)
	st.Start()
	defer st.Stop()

	var first types.Slot
	select {
	case first = <-st.Chan():
	case <-time.After(time.Second):
		t.Fatal("first slot not delivered")
	}
	if first < 4 {
		t.Errorf("expected the current slot on start, got %d", first)
	}

	select {
	case next := <-st.Chan():
		if next != first+1 {
			t.Errorf("expected slot %d, got %d", first+1, next)
		}
	case <-time.After(time.Second):
		t.Fatal("next slot not delivered")
	}
}

func TestSlotTickerStopIsIdempotent(t *testing.T) {
	st := NewSlotTicker(time.Now(), time.Hour)
	st.Start()
	st.Start()
	st.Stop()
	st.Stop()
	if st.DroppedTicks() != 0 {
		t.Errorf("unexpected dropped ticks: %d", st.DroppedTicks())
	}
}

func TestManualTicker(t *testing.T) {
	mt := NewManualTicker()
	mt.Start()

	done := make(chan types.Slot)
	go func() { done <- <-mt.Chan() }()

	if !mt.Advance(7) {
		t.Fatal("advance on a running ticker failed")
	}
	if got := <-done; got != 7 {
		t.Errorf("expected slot 7, got %d", got)
	}

	mt.Stop()
	mt.Stop()
	if mt.Advance(8) {
		t.Error("advance after stop should report false")
	}
}
