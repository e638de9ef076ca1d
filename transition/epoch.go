package transition

import (
	"github.com/veldtlabs/veldt/types"
)

// Participation flag: the validator's target vote matched the canonical
// checkpoint for the epoch.
const flagTargetMatch byte = 1 << 0

// processEpoch runs at the last slot of each epoch, before the slot counter
// moves into the next epoch: justification and finalization, effective
// balance updates, participation rotation.
func processEpoch(s *types.BeaconState) error {
	if s.Slot.Epoch() >= 1 {
		processJustificationAndFinalization(s)
	}
	processEffectiveBalances(s)
	rotateParticipation(s)
	return nil
}

// checkpointRoot returns the block root at the epoch's start slot, or the
// zero root when the history ring does not reach back that far.
func checkpointRoot(s *types.BeaconState, epoch types.Epoch) types.Root {
	start := epoch.StartSlot()
	if start >= s.Slot {
		// Epoch started at or after the current slot; the checkpoint block
		// is the latest header's block.
		r, err := s.LatestBlockHeader.HashTreeRoot()
		if err != nil {
			return types.Root{}
		}
		return r
	}
	r, err := s.BlockRootAtSlot(start)
	if err != nil {
		return types.Root{}
	}
	return r
}

func participationWeight(s *types.BeaconState, participation []byte, epoch types.Epoch) types.Gwei {
	total := types.Gwei(0)
	for i := range s.Validators {
		if i >= len(participation) {
			break
		}
		if participation[i]&flagTargetMatch == 0 {
			continue
		}
		if s.Validators[i].IsActive(epoch) && !s.Validators[i].Slashed {
			total = total.AddSat(s.Validators[i].EffectiveBalance)
		}
	}
	return total
}

// processJustificationAndFinalization applies the two-round justification
// rules. finalized_checkpoint.epoch is non-decreasing by construction: each
// rule only ever moves it forward.
func processJustificationAndFinalization(s *types.BeaconState) {
	currentEpoch := s.Slot.Epoch()
	previousEpoch := currentEpoch - 1

	oldPreviousJustified := s.PreviousJustifiedCheckpoint
	oldCurrentJustified := s.CurrentJustifiedCheckpoint
	s.PreviousJustifiedCheckpoint = s.CurrentJustifiedCheckpoint

	total := totalActiveBalance(s, currentEpoch)
	s.JustificationBits = (s.JustificationBits << 1) & 0x0f

	if participationWeight(s, s.PreviousEpochParticipation, previousEpoch)*3 >= total*2 {
		s.CurrentJustifiedCheckpoint = types.Checkpoint{
			Epoch: previousEpoch, Root: checkpointRoot(s, previousEpoch),
		}
		s.JustificationBits |= 1 << 1
	}
	if participationWeight(s, s.CurrentEpochParticipation, currentEpoch)*3 >= total*2 {
		s.CurrentJustifiedCheckpoint = types.Checkpoint{
			Epoch: currentEpoch, Root: checkpointRoot(s, currentEpoch),
		}
		s.JustificationBits |= 1 << 0
	}

	bits := s.JustificationBits
	// 2nd/3rd/4th most recent epochs all justified, 4th is finalizable.
	if bits&0x0e == 0x0e && oldPreviousJustified.Epoch+3 == currentEpoch {
		s.FinalizedCheckpoint = oldPreviousJustified
	}
	if bits&0x06 == 0x06 && oldPreviousJustified.Epoch+2 == currentEpoch {
		s.FinalizedCheckpoint = oldPreviousJustified
	}
	if bits&0x07 == 0x07 && oldCurrentJustified.Epoch+2 == currentEpoch {
		s.FinalizedCheckpoint = oldCurrentJustified
	}
	if bits&0x03 == 0x03 && oldCurrentJustified.Epoch+1 == currentEpoch {
		s.FinalizedCheckpoint = oldCurrentJustified
	}
}

// processEffectiveBalances applies balance hysteresis: effective balance
// tracks the actual balance in whole increments.
func processEffectiveBalances(s *types.BeaconState) {
	const (
		hysteresisQuotient  = 4
		downwardMultiplier  = 1
		upwardMultiplier    = 5
		hysteresisIncrement = uint64(types.EffectiveBalanceIncr) / hysteresisQuotient
	)
	for i := range s.Validators {
		if i >= len(s.Balances) {
			break
		}
		balance := uint64(s.Balances[i])
		eb := uint64(s.Validators[i].EffectiveBalance)
		if balance+downwardMultiplier*hysteresisIncrement < eb ||
			eb+upwardMultiplier*hysteresisIncrement < balance {
			next := balance - balance%uint64(types.EffectiveBalanceIncr)
			if next > uint64(types.MaxEffectiveBalance) {
				next = uint64(types.MaxEffectiveBalance)
			}
			s.Validators[i].EffectiveBalance = types.Gwei(next)
		}
	}
}

func rotateParticipation(s *types.BeaconState) {
	s.PreviousEpochParticipation = s.CurrentEpochParticipation
	s.CurrentEpochParticipation = make([]byte, len(s.Validators))
}
