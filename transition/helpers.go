package transition

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/veldtlabs/veldt/types"
)

// DomainType separates signature uses so a signature over one object kind
// can never be replayed as another.
type DomainType byte

const (
	DomainBeaconProposer DomainType = iota
	DomainBeaconAttester
	DomainRandao
	DomainDeposit
	DomainVoluntaryExit
	DomainSyncCommittee
	DomainSelectionProof
	DomainAggregateAndProof
	DomainContributionAndProof
)

// SigningRoot combines an object root with the domain, fork and genesis
// validators root.
func SigningRoot(objRoot types.Root, domain DomainType, fork types.Fork, genesisValidatorsRoot types.Root) types.Root {
	var buf [32 + 2 + 32]byte
	copy(buf[:32], objRoot[:])
	buf[32] = byte(domain)
	buf[33] = byte(fork)
	copy(buf[34:], genesisValidatorsRoot[:])
	return sha256.Sum256(buf[:])
}

// seed derives the per-epoch shuffle seed for a domain from the randao mix.
func seed(state *types.BeaconState, epoch types.Epoch, domain DomainType) types.Root {
	mix := state.RandaoMix(epoch)
	var buf [1 + 8 + 32]byte
	buf[0] = byte(domain)
	binary.LittleEndian.PutUint64(buf[1:9], uint64(epoch))
	copy(buf[9:], mix[:])
	return sha256.Sum256(buf[:])
}

// CommitteesPerSlot returns the committee count per slot for the epoch.
func CommitteesPerSlot(state *types.BeaconState, epoch types.Epoch) uint64 {
	active := uint64(len(state.ActiveIndices(epoch)))
	n := active / types.SlotsPerEpoch / types.TargetCommitteeSize
	if n < 1 {
		n = 1
	}
	if n > types.MaxCommitteesPerSlot {
		n = types.MaxCommitteesPerSlot
	}
	return n
}

// BeaconCommittee returns the committee for (slot, index), in shuffled order.
func BeaconCommittee(state *types.BeaconState, slot types.Slot, index types.CommitteeIndex) ([]types.ValidatorIndex, error) {
	epoch := slot.Epoch()
	active := state.ActiveIndices(epoch)
	if len(active) == 0 {
		return nil, fmt.Errorf("no active validators at epoch %d", epoch)
	}
	perSlot := CommitteesPerSlot(state, epoch)
	if uint64(index) >= perSlot {
		return nil, fmt.Errorf("committee index %d out of range (%d per slot)", index, perSlot)
	}
	count := perSlot * types.SlotsPerEpoch
	pos := uint64(slot)%types.SlotsPerEpoch*perSlot + uint64(index)

	n := uint64(len(active))
	start := n * pos / count
	end := n * (pos + 1) / count
	s := seed(state, epoch, DomainBeaconAttester)

	committee := make([]types.ValidatorIndex, 0, end-start)
	for i := start; i < end; i++ {
		committee = append(committee, active[PermutedIndex(i, n, s)])
	}
	return committee, nil
}

// ProposerIndex returns the block proposer for the slot, weighted by
// effective balance.
func ProposerIndex(state *types.BeaconState, slot types.Slot) (types.ValidatorIndex, error) {
	epoch := slot.Epoch()
	active := state.ActiveIndices(epoch)
	if len(active) == 0 {
		return 0, fmt.Errorf("no active validators at epoch %d", epoch)
	}
	base := seed(state, epoch, DomainBeaconProposer)
	var buf [32 + 8]byte
	copy(buf[:32], base[:])
	binary.LittleEndian.PutUint64(buf[32:], uint64(slot))
	s := sha256.Sum256(buf[:])

	n := uint64(len(active))
	var rnd [32 + 8]byte
	copy(rnd[:32], s[:])
	for i := uint64(0); ; i++ {
		candidate := active[PermutedIndex(i%n, n, s)]
		binary.LittleEndian.PutUint64(rnd[32:], i/32)
		h := sha256.Sum256(rnd[:])
		randomByte := h[i%32]
		eb := state.Validators[candidate].EffectiveBalance
		if eb*255 >= types.MaxEffectiveBalance*types.Gwei(randomByte) {
			return candidate, nil
		}
	}
}

// increaseBalance and decreaseBalance saturate; balances never wrap.
func increaseBalance(state *types.BeaconState, idx types.ValidatorIndex, delta types.Gwei) {
	state.Balances[idx] = state.Balances[idx].AddSat(delta)
}

func decreaseBalance(state *types.BeaconState, idx types.ValidatorIndex, delta types.Gwei) {
	state.Balances[idx] = state.Balances[idx].SubSat(delta)
}

// totalActiveBalance sums active effective balances, floored at one
// increment to avoid division by zero.
func totalActiveBalance(state *types.BeaconState, epoch types.Epoch) types.Gwei {
	total := types.Gwei(0)
	for i := range state.Validators {
		if state.Validators[i].IsActive(epoch) {
			total = total.AddSat(state.Validators[i].EffectiveBalance)
		}
	}
	if total < types.EffectiveBalanceIncr {
		total = types.EffectiveBalanceIncr
	}
	return total
}
