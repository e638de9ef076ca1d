package validator

import (
	"testing"

	"github.com/veldtlabs/veldt/transition"
	"github.com/veldtlabs/veldt/types"
)

func dutyState(t *testing.T, n int) *types.BeaconState {
	t.Helper()
	keys := make([]types.Pubkey, n)
	for i := range keys {
		keys[i][0] = byte(i)
	}
	return transition.GenesisState(1_600_000_000, keys)
}

func TestEveryValidatorAttestsOncePerEpoch(t *testing.T) {
	state := dutyState(t, 64)
	ours := make(map[types.ValidatorIndex]struct{})
	for i := 0; i < 64; i++ {
		ours[types.ValidatorIndex(i)] = struct{}{}
	}

	duties, err := Duties(state, 0, ours)
	if err != nil {
		t.Fatalf("Duties: %v", err)
	}

	attCount := make(map[types.ValidatorIndex]int)
	for _, d := range duties {
		if !d.IsProposer && !d.IsSyncCommittee {
			attCount[d.Validator]++
		}
	}
	if len(attCount) != 64 {
		t.Fatalf("%d validators have attester duties, want all 64", len(attCount))
	}
	for vi, n := range attCount {
		if n != 1 {
			t.Errorf("validator %d attests %d times in the epoch, want 1", vi, n)
		}
	}
}

func TestProposerDutiesMatchTransition(t *testing.T) {
	state := dutyState(t, 64)
	ours := map[types.ValidatorIndex]struct{}{}
	for i := 0; i < 64; i++ {
		ours[types.ValidatorIndex(i)] = struct{}{}
	}
	duties, err := Duties(state, 0, ours)
	if err != nil {
		t.Fatalf("Duties: %v", err)
	}

	proposers := make(map[types.Slot]types.ValidatorIndex)
	for _, d := range duties {
		if d.IsProposer {
			proposers[d.Slot] = d.Validator
		}
	}
	if len(proposers) != int(types.SlotsPerEpoch) {
		t.Fatalf("%d proposer duties, want one per slot", len(proposers))
	}
	for slot, vi := range proposers {
		expected, err := transition.ProposerIndex(state, slot)
		if err != nil {
			t.Fatalf("ProposerIndex(%d): %v", slot, err)
		}
		if vi != expected {
			t.Errorf("slot %d proposer duty %d, transition says %d", slot, vi, expected)
		}
	}
}

func TestDutiesOnlyForLocalValidators(t *testing.T) {
	state := dutyState(t, 64)
	ours := map[types.ValidatorIndex]struct{}{3: {}, 7: {}}

	duties, err := Duties(state, 0, ours)
	if err != nil {
		t.Fatalf("Duties: %v", err)
	}
	for _, d := range duties {
		if _, ok := ours[d.Validator]; !ok {
			t.Errorf("duty for foreign validator %d", d.Validator)
		}
	}
}
