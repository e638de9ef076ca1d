// Package clock maps wall time onto the slot-based time model. Every
// time-bound action in the node (proposal, attestation, aggregation, sync
// messages) is scheduled against deadlines derived here.
package clock

import (
	"context"
	"log/slog"
	"time"

	"github.com/veldtlabs/veldt/types"
)

// Duty deadline fractions of a slot.
const (
	attestationOffsetNum = 1 // attestation and sync message at 1/3
	aggregateOffsetNum   = 2 // aggregate and contribution at 2/3
	offsetDen            = 3
)

// BeaconClock converts wall-clock time to beacon time relative to genesis.
// Beacon time follows the wall clock and is not clamped: a backward wall-clock
// jump shows up as a backward step. A jump backward across genesis is logged
// and tolerated, never corrected.
type BeaconClock struct {
	genesis  time.Time
	logger   *slog.Logger
	timeFunc func() time.Time

	lastSeen types.BeaconTime // previous reading, for jump detection
}

// New creates a clock anchored at the genesis time from the beacon state.
func New(genesisTime uint64, logger *slog.Logger) *BeaconClock {
	if logger == nil {
		logger = slog.Default()
	}
	return &BeaconClock{
		genesis:  time.Unix(int64(genesisTime), 0),
		logger:   logger,
		timeFunc: time.Now,
	}
}

// NewWithTimeFunc creates a clock with an injectable time source for tests.
func NewWithTimeFunc(genesisTime uint64, timeFunc func() time.Time, logger *slog.Logger) *BeaconClock {
	c := New(genesisTime, logger)
	c.timeFunc = timeFunc
	return c
}

// Now returns the current beacon time. Negative values are pre-genesis.
func (c *BeaconClock) Now() types.BeaconTime {
	t := types.BeaconTime(c.timeFunc().Sub(c.genesis))
	if t < c.lastSeen && c.lastSeen >= 0 && t < 0 {
		c.logger.Warn("wall clock jumped backward across genesis",
			"was", time.Duration(c.lastSeen), "now", time.Duration(t))
	}
	c.lastSeen = t
	return t
}

// CurrentSlot returns the slot for the current wall time, 0 pre-genesis.
func (c *BeaconClock) CurrentSlot() types.Slot {
	return c.Now().SlotOrZero()
}

// SlotOf returns the slot containing the beacon time.
func (c *BeaconClock) SlotOf(t types.BeaconTime) (afterGenesis bool, slot types.Slot) {
	return t.ToSlot()
}

// StartTime returns the beacon time at which the slot begins.
func (c *BeaconClock) StartTime(slot types.Slot) types.BeaconTime {
	return slot.Start()
}

// intervalTime returns the deadline num/den of the way into the slot.
func intervalTime(slot types.Slot, num, den uint64) types.BeaconTime {
	start := slot.Start()
	if start == types.FarFutureBeaconTime {
		return types.FarFutureBeaconTime
	}
	slotNs := types.SecondsPerSlot * uint64(time.Second)
	return start + types.BeaconTime(slotNs*num/den)
}

// BlockDeadline is the moment the slot's block should be published.
func (c *BeaconClock) BlockDeadline(slot types.Slot) types.BeaconTime {
	return slot.Start()
}

// AttestationDeadline is one third into the slot.
func (c *BeaconClock) AttestationDeadline(slot types.Slot) types.BeaconTime {
	return intervalTime(slot, attestationOffsetNum, offsetDen)
}

// AggregateDeadline is two thirds into the slot.
func (c *BeaconClock) AggregateDeadline(slot types.Slot) types.BeaconTime {
	return intervalTime(slot, aggregateOffsetNum, offsetDen)
}

// SyncMessageDeadline matches the attestation deadline.
func (c *BeaconClock) SyncMessageDeadline(slot types.Slot) types.BeaconTime {
	return intervalTime(slot, attestationOffsetNum, offsetDen)
}

// SyncContributionDeadline matches the aggregate deadline.
func (c *BeaconClock) SyncContributionDeadline(slot types.Slot) types.BeaconTime {
	return intervalTime(slot, aggregateOffsetNum, offsetDen)
}

// SleepUntil blocks until the deadline or ctx cancellation. Returns false if
// cancelled or if the deadline is the far-future sentinel.
func (c *BeaconClock) SleepUntil(ctx context.Context, deadline types.BeaconTime) bool {
	if deadline == types.FarFutureBeaconTime {
		return false
	}
	d := deadline.Diff(c.Now()).Duration()
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Tick is one firing of the slot ticker.
type Tick struct {
	Slot     types.Slot
	Interval uint64 // 0 = slot start, 1 = one third, 2 = two thirds
}

// Ticker emits a Tick at each interval boundary until ctx is cancelled.
// Pre-genesis it waits for slot 0.
func (c *BeaconClock) Ticker(ctx context.Context) <-chan Tick {
	ch := make(chan Tick, 1)
	go func() {
		defer close(ch)
		for {
			now := c.Now()
			var next types.BeaconTime
			var tick Tick
			if now < 0 {
				next = 0
				tick = Tick{Slot: 0, Interval: 0}
			} else {
				slot := now.SlotOrZero()
				slotNs := types.BeaconTime(types.SecondsPerSlot) * types.BeaconTime(time.Second)
				intoSlot := now - slot.Start()
				interval := uint64(intoSlot) * types.IntervalsPerSlot / uint64(slotNs)
				if interval+1 < types.IntervalsPerSlot {
					next = intervalTime(slot, interval+1, types.IntervalsPerSlot)
					tick = Tick{Slot: slot, Interval: interval + 1}
				} else {
					next = slot.Add(1).Start()
					tick = Tick{Slot: slot.Add(1), Interval: 0}
				}
			}
			if !c.SleepUntil(ctx, next) {
				return
			}
			select {
			case ch <- tick:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
