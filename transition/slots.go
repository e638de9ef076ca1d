package transition

import (
	"errors"
	"fmt"

	"github.com/veldtlabs/veldt/types"
)

// ErrSlotInPast is returned when the target slot does not advance the state.
var ErrSlotInPast = errors.New("target slot not beyond state slot")

// ProcessSlots advances a copy of the state one slot at a time up to target,
// applying per-slot housekeeping and the epoch transition at boundaries. The
// input state is not modified.
func ProcessSlots(state *types.BeaconState, target types.Slot) (*types.BeaconState, error) {
	if target <= state.Slot {
		return nil, fmt.Errorf("%w: state at %d, target %d", ErrSlotInPast, state.Slot, target)
	}
	s := state.Copy()
	for s.Slot < target {
		if err := processSlot(s); err != nil {
			return nil, err
		}
		if (uint64(s.Slot)+1)%types.SlotsPerEpoch == 0 {
			if err := processEpoch(s); err != nil {
				return nil, err
			}
		}
		s.Slot++
	}
	return s, nil
}

// processSlot caches the previous state and block roots into the history
// rings and backfills the header's state root for the first slot after a
// block.
func processSlot(s *types.BeaconState) error {
	prevStateRoot, err := s.HashTreeRoot()
	if err != nil {
		return fmt.Errorf("hash state: %w", err)
	}
	if len(s.StateRoots) < int(types.SlotsPerHistoryRange) {
		s.StateRoots = growRing(s.StateRoots)
	}
	s.StateRoots[uint64(s.Slot)%types.SlotsPerHistoryRange] = prevStateRoot

	if s.LatestBlockHeader.StateRoot.IsZero() {
		s.LatestBlockHeader.StateRoot = prevStateRoot
	}

	prevBlockRoot, err := s.LatestBlockHeader.HashTreeRoot()
	if err != nil {
		return fmt.Errorf("hash header: %w", err)
	}
	if len(s.BlockRoots) < int(types.SlotsPerHistoryRange) {
		s.BlockRoots = growRing(s.BlockRoots)
	}
	s.BlockRoots[uint64(s.Slot)%types.SlotsPerHistoryRange] = prevBlockRoot
	return nil
}

func growRing(ring []types.Root) []types.Root {
	grown := make([]types.Root, types.SlotsPerHistoryRange)
	copy(grown, ring)
	return grown
}
