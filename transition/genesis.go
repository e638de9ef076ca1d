package transition

import (
	"fmt"

	"github.com/veldtlabs/veldt/types"
)

// GenesisState builds the state at slot 0 for a test network with the given
// validator keys, all fully activated and funded at the maximum effective
// balance.
func GenesisState(genesisTime uint64, pubkeys []types.Pubkey) *types.BeaconState {
	s := &types.BeaconState{
		Fork:        types.Phase0,
		GenesisTime: genesisTime,
		Slot:        0,
		BlockRoots:  make([]types.Root, types.SlotsPerHistoryRange),
		StateRoots:  make([]types.Root, types.SlotsPerHistoryRange),
		RandaoMixes: make([]types.Root, 64),
		Slashings:   make([]types.Gwei, 64),
	}
	for i, pk := range pubkeys {
		var creds types.Root
		creds[0] = 0x00
		creds[31] = byte(i)
		s.Validators = append(s.Validators, types.Validator{
			Pubkey:                pk,
			WithdrawalCredentials: creds,
			EffectiveBalance:      types.MaxEffectiveBalance,
			ActivationEpoch:       0,
			ExitEpoch:             types.FarFutureEpoch,
			WithdrawableEpoch:     types.FarFutureEpoch,
		})
		s.Balances = append(s.Balances, types.MaxEffectiveBalance)
	}
	s.PreviousEpochParticipation = make([]byte, len(pubkeys))
	s.CurrentEpochParticipation = make([]byte, len(pubkeys))

	// The genesis header commits to the empty body; its state root is
	// backfilled by the first processSlot, making the header root equal the
	// genesis block root.
	emptyBodyRoot, _ := (types.BlockBody{}).HashTreeRoot()
	s.LatestBlockHeader = types.BeaconBlockHeader{Slot: 0, BodyRoot: emptyBodyRoot}
	return s
}

// GenesisBlock derives the canonical block for a genesis state.
func GenesisBlock(state *types.BeaconState) (*types.SignedBeaconBlock, error) {
	stateRoot, err := state.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("hash genesis state: %w", err)
	}
	blk := types.NewPhase0Block(0, 0, types.Root{})
	blk.StateRoot = stateRoot
	return &types.SignedBeaconBlock{Message: *blk}, nil
}
