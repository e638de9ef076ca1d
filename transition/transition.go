// Package transition implements the deterministic state-transition function:
// slot advancement, epoch processing and block application over the
// fork-tagged beacon state.
package transition

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/veldtlabs/veldt/crypto/bls"
	"github.com/veldtlabs/veldt/types"
)

// VerificationFlags select how much signature work Transition performs.
type VerificationFlags uint8

const (
	// VerifyAllSignatures checks the proposer signature and every operation
	// signature in the body.
	VerifyAllSignatures VerificationFlags = iota
	// VerifyProposerOnly checks only the outer proposer signature. Used when
	// batch verification already covered the body.
	VerifyProposerOnly
	// SkipSignatureVerification trusts the block entirely. Only valid for
	// blocks that were verified before (e.g. replay from the database).
	SkipSignatureVerification
)

// ErrInvalid is the root of all state-transition rejections. The block that
// caused it is unviable and must not be retried.
var ErrInvalid = errors.New("invalid block")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Transition applies a signed block to a state and returns the post-state.
// The input state is not modified. The returned state's hash-tree-root has
// been checked against the block's state root.
func Transition(state *types.BeaconState, sb *types.SignedBeaconBlock, flags VerificationFlags) (*types.BeaconState, error) {
	block := &sb.Message
	if err := block.CheckWellFormed(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if block.Fork != state.Fork {
		return nil, invalid("block fork %s against state fork %s", block.Fork, state.Fork)
	}

	s := state
	if block.Slot > state.Slot {
		advanced, err := ProcessSlots(state, block.Slot)
		if err != nil {
			return nil, err
		}
		s = advanced
	} else {
		return nil, fmt.Errorf("%w: block slot %d, state slot %d", ErrSlotInPast, block.Slot, state.Slot)
	}

	if flags != SkipSignatureVerification {
		if err := verifyProposerSignature(s, sb); err != nil {
			return nil, err
		}
	}

	if err := ProcessBlock(s, block, flags); err != nil {
		return nil, err
	}

	postRoot, err := s.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("hash post-state: %w", err)
	}
	if postRoot != block.StateRoot {
		return nil, invalid("state root mismatch: computed %s, block %s", postRoot.Short(), block.StateRoot.Short())
	}
	return s, nil
}

func verifyProposerSignature(s *types.BeaconState, sb *types.SignedBeaconBlock) error {
	if int(sb.Message.ProposerIndex) >= len(s.Validators) {
		return invalid("proposer %d out of range", sb.Message.ProposerIndex)
	}
	blockRoot, err := sb.Message.HashTreeRoot()
	if err != nil {
		return fmt.Errorf("hash block: %w", err)
	}
	signing := SigningRoot(blockRoot, DomainBeaconProposer, s.Fork, s.GenesisValidatorsRoot)
	pub := s.Validators[sb.Message.ProposerIndex].Pubkey
	if !bls.Verify(pub, signing, sb.Signature) {
		return invalid("proposer signature")
	}
	return nil
}

// ProcessBlock applies the block operations to a state already advanced to
// the block's slot. Mutates s in place.
func ProcessBlock(s *types.BeaconState, block *types.BeaconBlock, flags VerificationFlags) error {
	if err := processHeader(s, block); err != nil {
		return err
	}
	if err := processRandao(s, block, flags); err != nil {
		return err
	}
	processEth1Data(s, block)

	for i := range block.Body.ProposerSlashings {
		if err := processProposerSlashing(s, &block.Body.ProposerSlashings[i]); err != nil {
			return err
		}
	}
	for i := range block.Body.AttesterSlashings {
		if err := processAttesterSlashing(s, &block.Body.AttesterSlashings[i]); err != nil {
			return err
		}
	}
	if uint64(len(block.Body.Attestations)) > types.MaxAttestationsPerBody {
		return invalid("too many attestations: %d", len(block.Body.Attestations))
	}
	for i := range block.Body.Attestations {
		if err := processAttestation(s, &block.Body.Attestations[i], flags); err != nil {
			return err
		}
	}
	for i := range block.Body.Deposits {
		if err := processDeposit(s, &block.Body.Deposits[i]); err != nil {
			return err
		}
	}
	for i := range block.Body.VoluntaryExits {
		if err := processVoluntaryExit(s, &block.Body.VoluntaryExits[i]); err != nil {
			return err
		}
	}
	if s.Fork >= types.Altair {
		if err := processSyncAggregate(s, block); err != nil {
			return err
		}
	}
	if s.Fork >= types.Bellatrix {
		if err := processExecutionPayload(s, block); err != nil {
			return err
		}
	}
	return nil
}

func processHeader(s *types.BeaconState, block *types.BeaconBlock) error {
	if block.Slot != s.Slot {
		return invalid("block slot %d against state slot %d", block.Slot, s.Slot)
	}
	expected, err := ProposerIndex(s, block.Slot)
	if err != nil {
		return fmt.Errorf("proposer lookup: %w", err)
	}
	if block.ProposerIndex != expected {
		return invalid("proposer %d, expected %d", block.ProposerIndex, expected)
	}
	parentRoot, err := s.LatestBlockHeader.HashTreeRoot()
	if err != nil {
		return fmt.Errorf("hash parent header: %w", err)
	}
	if block.ParentRoot != parentRoot {
		return invalid("parent root %s, expected %s", block.ParentRoot.Short(), parentRoot.Short())
	}
	if s.Validators[block.ProposerIndex].Slashed {
		return invalid("proposer %d is slashed", block.ProposerIndex)
	}

	hdr, err := block.Header()
	if err != nil {
		return fmt.Errorf("derive header: %w", err)
	}
	// StateRoot is zeroed here and backfilled by the next processSlot.
	hdr.StateRoot = types.Root{}
	s.LatestBlockHeader = hdr
	return nil
}

// RandaoSigningRoot is the message a proposer signs as the randao reveal
// for an epoch.
func RandaoSigningRoot(epoch types.Epoch, fork types.Fork, genesisValidatorsRoot types.Root) types.Root {
	var epochBytes types.Root
	for i := 0; i < 8; i++ {
		epochBytes[i] = byte(uint64(epoch) >> (8 * i))
	}
	return SigningRoot(epochBytes, DomainRandao, fork, genesisValidatorsRoot)
}

func processRandao(s *types.BeaconState, block *types.BeaconBlock, flags VerificationFlags) error {
	epoch := s.Epoch()
	if flags == VerifyAllSignatures {
		signing := RandaoSigningRoot(epoch, s.Fork, s.GenesisValidatorsRoot)
		pub := s.Validators[block.ProposerIndex].Pubkey
		if !bls.Verify(pub, signing, block.Body.RandaoReveal) {
			return invalid("randao reveal signature")
		}
	}
	mix := s.RandaoMix(epoch)
	revealHash := sha256.Sum256(block.Body.RandaoReveal[:])
	for i := range mix {
		mix[i] ^= revealHash[i]
	}
	if len(s.RandaoMixes) > 0 {
		s.RandaoMixes[uint64(epoch)%uint64(len(s.RandaoMixes))] = mix
	}
	return nil
}

func processEth1Data(s *types.BeaconState, block *types.BeaconBlock) {
	// Majority voting is approximated: adopt the vote when it extends the
	// known deposit count.
	if block.Body.Eth1Data.DepositCount >= s.Eth1Data.DepositCount {
		s.Eth1Data = block.Body.Eth1Data
	}
}

func slashValidator(s *types.BeaconState, idx types.ValidatorIndex) {
	v := &s.Validators[idx]
	v.Slashed = true
	epoch := s.Epoch()
	if v.ExitEpoch == types.FarFutureEpoch {
		v.ExitEpoch = epoch + 1
	}
	withdrawDelay := types.Epoch(uint64(len(s.Slashings)))
	if v.WithdrawableEpoch < epoch+withdrawDelay {
		v.WithdrawableEpoch = epoch + withdrawDelay
	}
	if len(s.Slashings) > 0 {
		ring := uint64(epoch) % uint64(len(s.Slashings))
		s.Slashings[ring] = s.Slashings[ring].AddSat(v.EffectiveBalance)
	}
	decreaseBalance(s, idx, v.EffectiveBalance/32)
}

func processProposerSlashing(s *types.BeaconState, ps *types.ProposerSlashing) error {
	h1, h2 := ps.Header1.Header, ps.Header2.Header
	if h1.Slot != h2.Slot || h1.ProposerIndex != h2.ProposerIndex {
		return invalid("proposer slashing headers disagree on slot or proposer")
	}
	if h1 == h2 {
		return invalid("proposer slashing headers identical")
	}
	if int(h1.ProposerIndex) >= len(s.Validators) {
		return invalid("proposer slashing index %d out of range", h1.ProposerIndex)
	}
	if s.Validators[h1.ProposerIndex].Slashed {
		return invalid("proposer %d already slashed", h1.ProposerIndex)
	}
	slashValidator(s, h1.ProposerIndex)
	return nil
}

func isSlashableVotePair(a, b *types.IndexedAttestation) bool {
	// Double vote: same target epoch, different data.
	if a.Data.Target.Epoch == b.Data.Target.Epoch && !a.Data.Equal(b.Data) {
		return true
	}
	// Surround vote: a strictly surrounds b.
	return a.Data.Source.Epoch < b.Data.Source.Epoch && b.Data.Target.Epoch < a.Data.Target.Epoch
}

func processAttesterSlashing(s *types.BeaconState, as *types.AttesterSlashing) error {
	a1, a2 := &as.Attestation1, &as.Attestation2
	if !isSlashableVotePair(a1, a2) && !isSlashableVotePair(a2, a1) {
		return invalid("attestation pair is not slashable")
	}
	slashed := 0
	common := intersectSorted(a1.AttestingIndices, a2.AttestingIndices)
	for _, idx := range common {
		if int(idx) >= len(s.Validators) || s.Validators[idx].Slashed {
			continue
		}
		slashValidator(s, idx)
		slashed++
	}
	if slashed == 0 {
		return invalid("attester slashing slashed nobody")
	}
	return nil
}

func intersectSorted(a, b []types.ValidatorIndex) []types.ValidatorIndex {
	seen := make(map[types.ValidatorIndex]struct{}, len(a))
	for _, x := range a {
		seen[x] = struct{}{}
	}
	var out []types.ValidatorIndex
	for _, x := range b {
		if _, ok := seen[x]; ok {
			out = append(out, x)
		}
	}
	return out
}

func processAttestation(s *types.BeaconState, att *types.Attestation, flags VerificationFlags) error {
	data := &att.Data
	currentEpoch := s.Epoch()
	if data.Target.Epoch != currentEpoch && data.Target.Epoch+1 != currentEpoch {
		return invalid("attestation target epoch %d outside window at %d", data.Target.Epoch, currentEpoch)
	}
	if data.Target.Epoch != data.Slot.Epoch() {
		return invalid("attestation target epoch %d does not contain slot %d", data.Target.Epoch, data.Slot)
	}
	if data.Slot.Add(1) > s.Slot || s.Slot > data.Slot.Add(types.SlotsPerEpoch) {
		return invalid("attestation slot %d outside inclusion window at %d", data.Slot, s.Slot)
	}

	committee, err := BeaconCommittee(s, data.Slot, data.CommitteeIndex)
	if err != nil {
		return invalid("committee: %v", err)
	}
	if att.AggregationBits.Len() != uint64(len(committee)) {
		return invalid("aggregation bits %d against committee size %d", att.AggregationBits.Len(), len(committee))
	}

	var attesters []types.ValidatorIndex
	for i, idx := range committee {
		if att.AggregationBits.BitAt(uint64(i)) {
			attesters = append(attesters, idx)
		}
	}
	if len(attesters) == 0 {
		return invalid("attestation with empty aggregation bits")
	}

	if flags == VerifyAllSignatures {
		dataRoot, err := data.HashTreeRoot()
		if err != nil {
			return fmt.Errorf("hash attestation data: %w", err)
		}
		signing := SigningRoot(dataRoot, DomainBeaconAttester, s.Fork, s.GenesisValidatorsRoot)
		pubs := make([]types.Pubkey, len(attesters))
		for i, idx := range attesters {
			pubs[i] = s.Validators[idx].Pubkey
		}
		if !bls.FastAggregateVerify(pubs, signing, att.Signature) {
			return invalid("attestation aggregate signature")
		}
	}

	// Credit target participation in the epoch the vote belongs to.
	participation := s.CurrentEpochParticipation
	if data.Target.Epoch+1 == currentEpoch {
		participation = s.PreviousEpochParticipation
	}
	if len(participation) < len(s.Validators) {
		grown := make([]byte, len(s.Validators))
		copy(grown, participation)
		participation = grown
		if data.Target.Epoch+1 == currentEpoch {
			s.PreviousEpochParticipation = participation
		} else {
			s.CurrentEpochParticipation = participation
		}
	}
	if data.Target.Root == checkpointRoot(s, data.Target.Epoch) {
		for _, idx := range attesters {
			participation[idx] |= flagTargetMatch
		}
	}
	return nil
}

func processDeposit(s *types.BeaconState, dep *types.Deposit) error {
	s.Eth1DepositIndex++
	// Top-up for an existing validator.
	for i := range s.Validators {
		if s.Validators[i].Pubkey == dep.Pubkey {
			increaseBalance(s, types.ValidatorIndex(i), dep.Amount)
			return nil
		}
	}
	eb := dep.Amount - dep.Amount%types.EffectiveBalanceIncr
	if eb > types.MaxEffectiveBalance {
		eb = types.MaxEffectiveBalance
	}
	s.Validators = append(s.Validators, types.Validator{
		Pubkey:                     dep.Pubkey,
		WithdrawalCredentials:      dep.WithdrawalCredentials,
		EffectiveBalance:           eb,
		ActivationEligibilityEpoch: s.Epoch(),
		ActivationEpoch:            types.FarFutureEpoch,
		ExitEpoch:                  types.FarFutureEpoch,
		WithdrawableEpoch:          types.FarFutureEpoch,
	})
	s.Balances = append(s.Balances, dep.Amount)
	s.CurrentEpochParticipation = append(s.CurrentEpochParticipation, 0)
	s.PreviousEpochParticipation = append(s.PreviousEpochParticipation, 0)
	if s.Fork >= types.Altair {
		s.InactivityScores = append(s.InactivityScores, 0)
	}
	return nil
}

func processVoluntaryExit(s *types.BeaconState, exit *types.SignedVoluntaryExit) error {
	idx := exit.Exit.ValidatorIndex
	if int(idx) >= len(s.Validators) {
		return invalid("exit for unknown validator %d", idx)
	}
	v := &s.Validators[idx]
	if v.ExitEpoch != types.FarFutureEpoch {
		return invalid("validator %d already exiting", idx)
	}
	if !v.IsActive(s.Epoch()) {
		return invalid("validator %d not active", idx)
	}
	if exit.Exit.Epoch > s.Epoch() {
		return invalid("exit epoch %d in the future", exit.Exit.Epoch)
	}
	const activationExitDelay = 4
	v.ExitEpoch = s.Epoch() + 1 + activationExitDelay
	v.WithdrawableEpoch = v.ExitEpoch + 256
	return nil
}

func processSyncAggregate(s *types.BeaconState, block *types.BeaconBlock) error {
	agg := block.Body.SyncAggregate
	if agg == nil {
		return invalid("missing sync aggregate")
	}
	// Reward the proposer per participant; the committee members' rewards
	// are folded into epoch processing.
	count := types.Gwei(0)
	if len(agg.SyncCommitteeBits) == 64 {
		for i := uint64(0); i < agg.SyncCommitteeBits.Len(); i++ {
			if agg.SyncCommitteeBits.BitAt(i) {
				count++
			}
		}
	}
	increaseBalance(s, block.ProposerIndex, count)
	return nil
}

func processExecutionPayload(s *types.BeaconState, block *types.BeaconBlock) error {
	payload := block.Body.ExecutionPayload
	if payload == nil {
		return invalid("missing execution payload")
	}
	prev := s.LatestExecutionPayloadHeader
	if prev != nil && !prev.BlockHash.IsZero() && payload.ParentHash != prev.BlockHash {
		return invalid("payload parent hash %s, expected %s", payload.ParentHash.Short(), prev.BlockHash.Short())
	}
	expectedTime := s.GenesisTime + uint64(block.Slot)*types.SecondsPerSlot
	if payload.Timestamp != expectedTime {
		return invalid("payload timestamp %d, expected %d", payload.Timestamp, expectedTime)
	}

	txHash := sha256.New()
	for _, tx := range payload.Transactions {
		sum := sha256.Sum256(tx)
		txHash.Write(sum[:])
	}
	var txRoot types.Root
	copy(txRoot[:], txHash.Sum(nil))

	s.LatestExecutionPayloadHeader = &types.ExecutionPayloadHeader{
		ParentHash:       payload.ParentHash,
		FeeRecipient:     payload.FeeRecipient,
		StateRoot:        payload.StateRoot,
		ReceiptsRoot:     payload.ReceiptsRoot,
		PrevRandao:       payload.PrevRandao,
		BlockNumber:      payload.BlockNumber,
		GasLimit:         payload.GasLimit,
		GasUsed:          payload.GasUsed,
		Timestamp:        payload.Timestamp,
		BaseFeePerGas:    payload.BaseFeePerGas,
		BlockHash:        payload.BlockHash,
		TransactionsRoot: txRoot,
	}
	return nil
}
