package types

import "fmt"

// Validator is one registry entry. Pubkey and WithdrawalCredentials never
// change after the deposit is processed; the chain database stores them
// separately from the mutable fields.
type Validator struct {
	Pubkey                     Pubkey
	WithdrawalCredentials      Root
	EffectiveBalance           Gwei
	Slashed                    bool
	ActivationEligibilityEpoch Epoch
	ActivationEpoch            Epoch
	ExitEpoch                  Epoch
	WithdrawableEpoch          Epoch
}

// IsActive reports whether the validator is in the active set at the epoch.
func (v *Validator) IsActive(e Epoch) bool {
	return v.ActivationEpoch <= e && e < v.ExitEpoch
}

// Immutable returns the fields that are fixed once the validator enters the
// registry.
func (v *Validator) Immutable() ImmutableValidator {
	return ImmutableValidator{Pubkey: v.Pubkey, WithdrawalCredentials: v.WithdrawalCredentials}
}

// ImmutableValidator is the deposit-time portion of a registry entry,
// de-duplicated in storage and referenced by index.
type ImmutableValidator struct {
	Pubkey                Pubkey
	WithdrawalCredentials Root
}

// SyncCommittee is the rotating signing committee introduced in altair.
type SyncCommittee struct {
	Pubkeys         []Pubkey
	AggregatePubkey Pubkey
}

// BeaconState is the fork-tagged consensus state. Validators are
// append-mostly; RandaoMixes and Slashings are fixed-size rings.
type BeaconState struct {
	Fork                  Fork
	GenesisTime           uint64
	GenesisValidatorsRoot Root
	Slot                  Slot
	LatestBlockHeader     BeaconBlockHeader
	BlockRoots            []Root
	StateRoots            []Root
	Eth1Data              Eth1Data
	Eth1DepositIndex      uint64
	Validators            []Validator
	Balances              []Gwei

	RandaoMixes []Root
	Slashings   []Gwei

	// Target-vote participation per epoch, one flag byte per validator.
	// Rotated at epoch boundaries.
	PreviousEpochParticipation []byte
	CurrentEpochParticipation  []byte

	JustificationBits           uint8
	PreviousJustifiedCheckpoint Checkpoint
	CurrentJustifiedCheckpoint  Checkpoint
	FinalizedCheckpoint         Checkpoint

	// Altair and later.
	InactivityScores     []uint64
	CurrentSyncCommittee *SyncCommittee
	NextSyncCommittee    *SyncCommittee

	// Bellatrix and later.
	LatestExecutionPayloadHeader *ExecutionPayloadHeader
}

// Copy returns a deep copy. Off-loop workers receive copies, never the
// loop-owned state.
func (s *BeaconState) Copy() *BeaconState {
	c := *s
	c.BlockRoots = append([]Root(nil), s.BlockRoots...)
	c.StateRoots = append([]Root(nil), s.StateRoots...)
	c.Validators = append([]Validator(nil), s.Validators...)
	c.Balances = append([]Gwei(nil), s.Balances...)
	c.RandaoMixes = append([]Root(nil), s.RandaoMixes...)
	c.Slashings = append([]Gwei(nil), s.Slashings...)
	c.PreviousEpochParticipation = append([]byte(nil), s.PreviousEpochParticipation...)
	c.CurrentEpochParticipation = append([]byte(nil), s.CurrentEpochParticipation...)
	c.InactivityScores = append([]uint64(nil), s.InactivityScores...)
	if s.CurrentSyncCommittee != nil {
		sc := *s.CurrentSyncCommittee
		sc.Pubkeys = append([]Pubkey(nil), s.CurrentSyncCommittee.Pubkeys...)
		c.CurrentSyncCommittee = &sc
	}
	if s.NextSyncCommittee != nil {
		sc := *s.NextSyncCommittee
		sc.Pubkeys = append([]Pubkey(nil), s.NextSyncCommittee.Pubkeys...)
		c.NextSyncCommittee = &sc
	}
	if s.LatestExecutionPayloadHeader != nil {
		h := *s.LatestExecutionPayloadHeader
		c.LatestExecutionPayloadHeader = &h
	}
	return &c
}

// Epoch returns the current epoch of the state.
func (s *BeaconState) Epoch() Epoch { return s.Slot.Epoch() }

// RandaoMix returns the mix for the epoch from the ring buffer.
func (s *BeaconState) RandaoMix(e Epoch) Root {
	if len(s.RandaoMixes) == 0 {
		return Root{}
	}
	return s.RandaoMixes[uint64(e)%uint64(len(s.RandaoMixes))]
}

// BlockRootAtSlot returns the historical block root for a slot within the
// history range.
func (s *BeaconState) BlockRootAtSlot(slot Slot) (Root, error) {
	if slot >= s.Slot || s.Slot > slot.Add(SlotsPerHistoryRange) {
		return Root{}, fmt.Errorf("slot %d outside history range at state slot %d", slot, s.Slot)
	}
	return s.BlockRoots[uint64(slot)%SlotsPerHistoryRange], nil
}

// ActiveIndices returns the indices active at the epoch, in registry order.
func (s *BeaconState) ActiveIndices(e Epoch) []ValidatorIndex {
	var out []ValidatorIndex
	for i := range s.Validators {
		if s.Validators[i].IsActive(e) {
			out = append(out, ValidatorIndex(i))
		}
	}
	return out
}

// UpgradeToAltair lifts a phase0 state across the altair fork boundary.
// Explicit constructor; there is no implicit upcast.
func UpgradeToAltair(s *BeaconState) (*BeaconState, error) {
	if s.Fork != Phase0 {
		return nil, fmt.Errorf("%w: upgrading %s state to altair", ErrForkMismatch, s.Fork)
	}
	c := s.Copy()
	c.Fork = Altair
	c.InactivityScores = make([]uint64, len(c.Validators))
	c.CurrentSyncCommittee = &SyncCommittee{}
	c.NextSyncCommittee = &SyncCommittee{}
	return c, nil
}

// UpgradeToBellatrix lifts an altair state across the bellatrix fork
// boundary.
func UpgradeToBellatrix(s *BeaconState) (*BeaconState, error) {
	if s.Fork != Altair {
		return nil, fmt.Errorf("%w: upgrading %s state to bellatrix", ErrForkMismatch, s.Fork)
	}
	c := s.Copy()
	c.Fork = Bellatrix
	c.LatestExecutionPayloadHeader = &ExecutionPayloadHeader{}
	return c, nil
}

// BlockSummary is the minimum persisted per block to rebuild the DAG at
// startup without loading bodies.
type BlockSummary struct {
	Slot       Slot
	ParentRoot Root
}
