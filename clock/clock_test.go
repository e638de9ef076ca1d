package clock

import (
	"testing"
	"time"

	"github.com/veldtlabs/veldt/types"
)

const testGenesis = uint64(1_600_000_000)

// clockAt returns a clock whose wall time is fixed at genesis + offset.
func clockAt(t *testing.T, offset time.Duration) *BeaconClock {
	t.Helper()
	fixed := time.Unix(int64(testGenesis), 0).Add(offset)
	return NewWithTimeFunc(testGenesis, func() time.Time { return fixed }, nil)
}

func TestCurrentSlot(t *testing.T) {
	tests := []struct {
		offset time.Duration
		want   types.Slot
	}{
		{0, 0},
		{11 * time.Second, 0},
		{12 * time.Second, 1},
		{127 * time.Second, 10},
		{-5 * time.Second, 0},
	}
	for _, tt := range tests {
		c := clockAt(t, tt.offset)
		if got := c.CurrentSlot(); got != tt.want {
			t.Errorf("CurrentSlot at %v = %d, want %d", tt.offset, got, tt.want)
		}
	}
}

func TestPreGenesisMapping(t *testing.T) {
	c := clockAt(t, -25*time.Second)
	after, slot := c.SlotOf(c.Now())
	if after {
		t.Error("time before genesis reported as after genesis")
	}
	if slot != 2 {
		t.Errorf("pre-genesis slot = %d, want 2 (|t|/slot)", slot)
	}
}

func TestFarFutureBoundaries(t *testing.T) {
	c := clockAt(t, 0)

	after, slot := c.SlotOf(types.FarFutureBeaconTime)
	if !after || slot != types.FarFutureSlot {
		t.Errorf("SlotOf(far future) = (%v, %d), want (true, far-future slot)", after, slot)
	}
	if got := c.StartTime(types.FarFutureSlot); got != types.FarFutureBeaconTime {
		t.Errorf("StartTime(far-future slot) = %d, want far-future time", got)
	}
	if got := types.FarFutureSlot.Epoch(); got != types.FarFutureEpoch {
		t.Errorf("Epoch(far-future slot) = %d, want far-future epoch", got)
	}
}

func TestDutyDeadlines(t *testing.T) {
	c := clockAt(t, 0)
	slot := types.Slot(5)
	start := c.StartTime(slot)
	third := types.BeaconTime(4 * time.Second)

	if got := c.BlockDeadline(slot); got != start {
		t.Errorf("block deadline = %d, want slot start %d", got, start)
	}
	if got := c.AttestationDeadline(slot); got != start+third {
		t.Errorf("attestation deadline = %d, want %d", got, start+third)
	}
	if got := c.AggregateDeadline(slot); got != start+2*third {
		t.Errorf("aggregate deadline = %d, want %d", got, start+2*third)
	}
	if got := c.SyncMessageDeadline(slot); got != c.AttestationDeadline(slot) {
		t.Error("sync message deadline should match attestation deadline")
	}
	if got := c.SyncContributionDeadline(slot); got != c.AggregateDeadline(slot) {
		t.Error("sync contribution deadline should match aggregate deadline")
	}
}

func TestSlotStartRoundTrip(t *testing.T) {
	for _, slot := range []types.Slot{0, 1, 31, 32, 12345} {
		start := slot.Start()
		after, got := start.ToSlot()
		if !after || got != slot {
			t.Errorf("ToSlot(Start(%d)) = (%v, %d)", slot, after, got)
		}
	}
}
