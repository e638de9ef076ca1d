package validator

import (
	"fmt"

	"github.com/veldtlabs/veldt/transition"
	"github.com/veldtlabs/veldt/types"
)

// Duty is one scheduled action for a local validator.
type Duty struct {
	Validator types.ValidatorIndex
	Slot      types.Slot

	// Attester duty fields.
	Committee      types.CommitteeIndex
	CommitteeSize  int
	CommitteeIndex int // position within the committee

	// Role flags; one duty struct per role.
	IsProposer      bool
	IsSyncCommittee bool
}

// Duties computes all duties for the given validators in the epoch, one
// epoch ahead of time from the head state.
func Duties(state *types.BeaconState, epoch types.Epoch, validators map[types.ValidatorIndex]struct{}) ([]Duty, error) {
	var out []Duty

	start := epoch.StartSlot()
	for slot := start; slot < start.Add(types.SlotsPerEpoch); slot++ {
		perSlot := transition.CommitteesPerSlot(state, epoch)
		for ci := uint64(0); ci < perSlot; ci++ {
			committee, err := transition.BeaconCommittee(state, slot, types.CommitteeIndex(ci))
			if err != nil {
				return nil, fmt.Errorf("committee (%d, %d): %w", slot, ci, err)
			}
			for pos, vi := range committee {
				if _, ours := validators[vi]; !ours {
					continue
				}
				out = append(out, Duty{
					Validator:      vi,
					Slot:           slot,
					Committee:      types.CommitteeIndex(ci),
					CommitteeSize:  len(committee),
					CommitteeIndex: pos,
				})
			}
		}

		proposer, err := transition.ProposerIndex(state, slot)
		if err != nil {
			return nil, fmt.Errorf("proposer at %d: %w", slot, err)
		}
		if _, ours := validators[proposer]; ours {
			out = append(out, Duty{Validator: proposer, Slot: slot, IsProposer: true})
		}
	}

	// Sync committee membership is per period, flagged on every slot duty
	// holder once per epoch.
	if state.CurrentSyncCommittee != nil {
		members := make(map[types.Pubkey]struct{}, len(state.CurrentSyncCommittee.Pubkeys))
		for _, pk := range state.CurrentSyncCommittee.Pubkeys {
			members[pk] = struct{}{}
		}
		for vi := range validators {
			if int(vi) >= len(state.Validators) {
				continue
			}
			if _, ok := members[state.Validators[vi].Pubkey]; ok {
				out = append(out, Duty{Validator: vi, Slot: start, IsSyncCommittee: true})
			}
		}
	}
	return out, nil
}
