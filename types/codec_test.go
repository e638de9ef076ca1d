package types

import (
	"testing"

	"github.com/prysmaticlabs/go-bitfield"
)

func fullBody(fork Fork) BlockBody {
	bits := bitfield.NewBitlist(8)
	bits.SetBitAt(2, true)
	bits.SetBitAt(5, true)

	body := BlockBody{
		Eth1Data: Eth1Data{DepositRoot: Root{1}, DepositCount: 9, BlockHash: Root{2}},
		Graffiti: Root{'v', 'e', 'l', 'd', 't'},
		ProposerSlashings: []ProposerSlashing{{
			Header1: SignedBeaconBlockHeader{Header: BeaconBlockHeader{Slot: 5, ProposerIndex: 1}},
			Header2: SignedBeaconBlockHeader{Header: BeaconBlockHeader{Slot: 5, ProposerIndex: 1, BodyRoot: Root{9}}},
		}},
		AttesterSlashings: []AttesterSlashing{{
			Attestation1: IndexedAttestation{
				AttestingIndices: []ValidatorIndex{1, 2, 3},
				Data:             AttestationData{Slot: 7, Target: Checkpoint{Epoch: 1, Root: Root{7}}},
			},
			Attestation2: IndexedAttestation{
				AttestingIndices: []ValidatorIndex{2, 3, 4},
				Data:             AttestationData{Slot: 7, Target: Checkpoint{Epoch: 1, Root: Root{8}}},
			},
		}},
		Attestations: []Attestation{{
			AggregationBits: bits,
			Data: AttestationData{
				Slot:            12,
				CommitteeIndex:  3,
				BeaconBlockRoot: Root{4},
				Source:          Checkpoint{Epoch: 1, Root: Root{5}},
				Target:          Checkpoint{Epoch: 2, Root: Root{6}},
			},
		}},
		Deposits: []Deposit{{
			Pubkey: Pubkey{0xaa}, WithdrawalCredentials: Root{0xbb}, Amount: 32_000_000_000,
		}},
		VoluntaryExits: []SignedVoluntaryExit{{
			Exit: VoluntaryExit{Epoch: 3, ValidatorIndex: 11},
		}},
	}
	if fork >= Altair {
		agg := &SyncAggregate{}
		agg.SyncCommitteeBits = bitfield.NewBitvector512()
		agg.SyncCommitteeBits.SetBitAt(100, true)
		body.SyncAggregate = agg
	}
	if fork >= Bellatrix {
		body.ExecutionPayload = &ExecutionPayload{
			ParentHash:   Root{0xcc},
			BlockNumber:  77,
			GasLimit:     30_000_000,
			Timestamp:    1234567,
			Transactions: [][]byte{{1, 2, 3}, {4}},
		}
	}
	return body
}

func fullBlock(fork Fork) *SignedBeaconBlock {
	blk := BeaconBlock{
		Fork:          fork,
		Slot:          123,
		ProposerIndex: 4,
		ParentRoot:    Root{0x10},
		StateRoot:     Root{0x20},
		Body:          fullBody(fork),
	}
	var sig Signature
	sig[0] = 0x99
	return &SignedBeaconBlock{Message: blk, Signature: sig}
}

func TestSignedBlockRoundTripEveryFork(t *testing.T) {
	for _, fork := range []Fork{Phase0, Altair, Bellatrix} {
		sb := fullBlock(fork)
		raw, err := sb.MarshalSSZ()
		if err != nil {
			t.Fatalf("%s: marshal: %v", fork, err)
		}
		var got SignedBeaconBlock
		if err := got.UnmarshalSSZ(raw); err != nil {
			t.Fatalf("%s: unmarshal: %v", fork, err)
		}

		wantRoot, _ := sb.Message.HashTreeRoot()
		gotRoot, _ := got.Message.HashTreeRoot()
		if wantRoot != gotRoot {
			t.Errorf("%s: round-trip changed the block root", fork)
		}
		if got.Signature != sb.Signature {
			t.Errorf("%s: signature mismatch", fork)
		}
		if len(got.Message.Body.Attestations) != 1 {
			t.Fatalf("%s: attestations lost", fork)
		}
		if got.Message.Body.Attestations[0].AggregationBits.Count() != 2 {
			t.Errorf("%s: aggregation bits mismatch", fork)
		}
		if fork >= Bellatrix {
			p := got.Message.Body.ExecutionPayload
			if p == nil || len(p.Transactions) != 2 || p.BlockNumber != 77 {
				t.Errorf("%s: execution payload mismatch", fork)
			}
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	for _, fork := range []Fork{Phase0, Altair, Bellatrix} {
		state := &BeaconState{
			Fork:        fork,
			GenesisTime: 1_600_000_000,
			Slot:        65,
			Validators: []Validator{{
				Pubkey:           Pubkey{1},
				EffectiveBalance: MaxEffectiveBalance,
				ExitEpoch:        FarFutureEpoch,
			}},
			Balances:                   []Gwei{MaxEffectiveBalance},
			RandaoMixes:                make([]Root, 4),
			Slashings:                  make([]Gwei, 4),
			PreviousEpochParticipation: []byte{1},
			CurrentEpochParticipation:  []byte{0},
			JustificationBits:          0b0101,
			FinalizedCheckpoint:        Checkpoint{Epoch: 1, Root: Root{3}},
		}
		if fork >= Altair {
			state.InactivityScores = []uint64{0}
			state.CurrentSyncCommittee = &SyncCommittee{Pubkeys: []Pubkey{{1}}}
			state.NextSyncCommittee = &SyncCommittee{}
		}
		if fork >= Bellatrix {
			state.LatestExecutionPayloadHeader = &ExecutionPayloadHeader{BlockNumber: 5}
		}

		raw, err := state.MarshalSSZ()
		if err != nil {
			t.Fatalf("%s: marshal: %v", fork, err)
		}
		var got BeaconState
		if err := got.UnmarshalSSZ(raw); err != nil {
			t.Fatalf("%s: unmarshal: %v", fork, err)
		}
		wantRoot, _ := state.HashTreeRoot()
		gotRoot, _ := got.HashTreeRoot()
		if wantRoot != gotRoot {
			t.Errorf("%s: state round-trip changed the root", fork)
		}
	}
}

func TestForkMixingRejected(t *testing.T) {
	blk := NewPhase0Block(1, 0, Root{})
	blk.Body.SyncAggregate = &SyncAggregate{}
	if err := blk.CheckWellFormed(); err == nil {
		t.Error("phase0 block with sync aggregate passed validation")
	}

	alt := NewAltairBlock(1, 0, Root{})
	alt.Body.SyncAggregate = nil
	if err := alt.CheckWellFormed(); err == nil {
		t.Error("altair block without sync aggregate passed validation")
	}

	if _, err := UpgradeToAltair(&BeaconState{Fork: Altair}); err == nil {
		t.Error("double altair upgrade passed")
	}
	if _, err := UpgradeToBellatrix(&BeaconState{Fork: Phase0}); err == nil {
		t.Error("skipping a fork upgrade passed")
	}
}

func TestSaturatingArithmetic(t *testing.T) {
	if FarFutureSlot.Add(1) != FarFutureSlot {
		t.Error("slot addition did not saturate at the sentinel")
	}
	if Slot(5).SubSat(10) != 0 {
		t.Error("slot subtraction did not clamp at zero")
	}
	if FarFutureEpoch.StartSlot() != FarFutureSlot {
		t.Error("StartSlot(far-future epoch) != far-future slot")
	}
	if Gwei(5).SubSat(10) != 0 {
		t.Error("balance subtraction did not clamp at zero")
	}
}
