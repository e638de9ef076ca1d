package types

import (
	"math"
	"time"
)

// BeaconTime is a signed nanosecond offset relative to genesis. Negative
// values are before genesis. It is distinct from wall durations so that
// pre-genesis arithmetic stays well defined.
type BeaconTime int64

// TimeDiff is a nanosecond delta between two beacon times. Unlike wall
// durations it may be negative.
type TimeDiff int64

const (
	FarFutureBeaconTime = BeaconTime(math.MaxInt64)

	slotNanos = BeaconTime(SecondsPerSlot) * BeaconTime(time.Second)
)

// ToSlot splits a beacon time into an after-genesis flag and a slot count.
// Times before genesis report (false, |t|/slot). The far-future time maps to
// the far-future slot exactly.
func (t BeaconTime) ToSlot() (afterGenesis bool, slot Slot) {
	if t == FarFutureBeaconTime {
		return true, FarFutureSlot
	}
	if t < 0 {
		return false, Slot(uint64(-t) / uint64(slotNanos))
	}
	return true, Slot(uint64(t) / uint64(slotNanos))
}

// SlotOrZero returns the slot for an after-genesis time, or slot 0 when the
// time is before genesis.
func (t BeaconTime) SlotOrZero() Slot {
	after, slot := t.ToSlot()
	if !after {
		return 0
	}
	return slot
}

// Start returns the beacon time at which the slot begins. The far-future
// slot maps to the far-future time exactly.
func (s Slot) Start() BeaconTime {
	if s == FarFutureSlot || uint64(s) > uint64(math.MaxInt64/slotNanos) {
		return FarFutureBeaconTime
	}
	return BeaconTime(s) * slotNanos
}

// Diff returns t - other as a signed delta.
func (t BeaconTime) Diff(other BeaconTime) TimeDiff {
	return TimeDiff(t - other)
}

// Add advances the time by a delta, saturating at the far-future sentinel.
func (t BeaconTime) Add(d TimeDiff) BeaconTime {
	if t == FarFutureBeaconTime {
		return FarFutureBeaconTime
	}
	if d > 0 && t > FarFutureBeaconTime-BeaconTime(d) {
		return FarFutureBeaconTime
	}
	return t + BeaconTime(d)
}

func (d TimeDiff) Duration() time.Duration { return time.Duration(d) }
