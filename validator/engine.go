package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prysmaticlabs/go-bitfield"

	"github.com/veldtlabs/veldt/clock"
	"github.com/veldtlabs/veldt/crypto/bls"
	"github.com/veldtlabs/veldt/transition"
	"github.com/veldtlabs/veldt/types"
)

// ChainView is the engine's read access to the consensus core. Head updates
// only become visible here after the corresponding state transition has
// committed.
type ChainView interface {
	HeadState() *types.BeaconState
	HeadRoot() types.Root
	GenesisValidatorsRoot() types.Root
	// AssembleBlock builds an unsigned block at the slot on the current
	// head: pool aggregates, exits, deposits, sync aggregate and the
	// execution payload from the execution client.
	AssembleBlock(ctx context.Context, slot types.Slot, proposer types.ValidatorIndex) (*types.BeaconBlock, error)
}

// Broadcaster publishes signed outputs. Publication happens only after the
// slashing-protection write is durable.
type Broadcaster interface {
	PublishBlock(ctx context.Context, sb *types.SignedBeaconBlock) error
	PublishAttestation(ctx context.Context, att *types.Attestation) error
	PublishSyncMessage(ctx context.Context, slot types.Slot, root types.Root, validator types.ValidatorIndex, sig types.Signature) error
}

// Engine drives the duty loop for the local validator keys.
type Engine struct {
	clock      *clock.BeaconClock
	chain      ChainView
	broadcast  Broadcaster
	protection *Protection
	keys       map[types.ValidatorIndex]*bls.SecretKey
	logger     *slog.Logger

	mu       sync.Mutex
	duties   map[types.Slot][]Duty
	planned  types.Epoch
	havePlan bool
}

func NewEngine(c *clock.BeaconClock, chain ChainView, broadcast Broadcaster, protection *Protection,
	keys map[types.ValidatorIndex]*bls.SecretKey, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		clock:      c,
		chain:      chain,
		broadcast:  broadcast,
		protection: protection,
		keys:       keys,
		logger:     logger,
		duties:     make(map[types.Slot][]Duty),
	}
}

// Run consumes slot ticks until ctx is cancelled. Each slot's duties run in
// their own goroutine with a deadline at the end of the slot: a slow duty
// never blocks a later slot.
func (e *Engine) Run(ctx context.Context) {
	ticks := e.clock.Ticker(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			if tick.Interval != 0 {
				continue
			}
			e.replan(tick.Slot)
			slotCtx, cancel := context.WithCancel(ctx)
			go func(slot types.Slot) {
				defer cancel()
				e.runSlot(slotCtx, slot)
			}(tick.Slot)
			// Cancel the previous slot's leftovers by construction: duties
			// for slot N receive a context that dies with slot N's work.
			go func(slot types.Slot) {
				e.clock.SleepUntil(ctx, slot.Add(1).Start())
				cancel()
			}(tick.Slot)
		}
	}
}

// replan recomputes duties one epoch ahead when crossing an epoch boundary.
func (e *Engine) replan(slot types.Slot) {
	epoch := slot.Epoch()
	e.mu.Lock()
	needCurrent := !e.havePlan
	needNext := !e.havePlan || e.planned < epoch+1
	e.mu.Unlock()
	if !needCurrent && !needNext {
		return
	}

	state := e.chain.HeadState()
	ours := make(map[types.ValidatorIndex]struct{}, len(e.keys))
	for vi := range e.keys {
		ours[vi] = struct{}{}
	}

	plan := make(map[types.Slot][]Duty)
	for _, ep := range []types.Epoch{epoch, epoch + 1} {
		duties, err := Duties(state, ep, ours)
		if err != nil {
			e.logger.Warn("duty computation failed", "epoch", ep, "err", err)
			continue
		}
		for _, d := range duties {
			plan[d.Slot] = append(plan[d.Slot], d)
		}
	}
	e.mu.Lock()
	e.duties = plan
	e.planned = epoch + 1
	e.havePlan = true
	e.mu.Unlock()
	e.logger.Debug("duties planned", "epoch", epoch, "slots", len(plan))
}

func (e *Engine) runSlot(ctx context.Context, slot types.Slot) {
	e.mu.Lock()
	duties := e.duties[slot]
	e.mu.Unlock()

	for _, d := range duties {
		if d.IsProposer {
			e.propose(ctx, d)
		}
	}

	if !e.clock.SleepUntil(ctx, e.clock.AttestationDeadline(slot)) {
		return
	}
	for _, d := range duties {
		if !d.IsProposer && !d.IsSyncCommittee {
			e.attest(ctx, d)
		}
		if d.IsSyncCommittee {
			e.syncMessage(ctx, d, slot)
		}
	}
}

// propose assembles, protects, signs and publishes a block.
func (e *Engine) propose(ctx context.Context, d Duty) {
	sk, ok := e.keys[d.Validator]
	if !ok {
		return
	}
	block, err := e.chain.AssembleBlock(ctx, d.Slot, d.Validator)
	if err != nil {
		e.logger.Warn("block assembly failed", "slot", d.Slot, "err", err)
		return
	}
	if err := e.protection.CheckAndRecordProposal(sk.Public(), d.Slot); err != nil {
		e.logger.Error("proposal refused by slashing protection", "slot", d.Slot, "err", err)
		return
	}
	sig, err := e.signBlock(block, sk)
	if err != nil {
		e.logger.Error("block signing failed", "slot", d.Slot, "err", err)
		return
	}
	sb := &types.SignedBeaconBlock{Message: *block, Signature: sig}
	if err := e.broadcast.PublishBlock(ctx, sb); err != nil {
		e.logger.Error("block publish failed", "slot", d.Slot, "err", err)
		return
	}
	e.logger.Info("proposed block", "slot", d.Slot, "proposer", d.Validator,
		"attestations", len(block.Body.Attestations))
}

func (e *Engine) signBlock(block *types.BeaconBlock, sk *bls.SecretKey) (types.Signature, error) {
	root, err := block.HashTreeRoot()
	if err != nil {
		return types.Signature{}, fmt.Errorf("hash block: %w", err)
	}
	signing := transition.SigningRoot(root, transition.DomainBeaconProposer, block.Fork, e.chain.GenesisValidatorsRoot())
	return sk.Sign(signing), nil
}

// attest builds the committee attestation, protects, signs, publishes.
func (e *Engine) attest(ctx context.Context, d Duty) {
	sk, ok := e.keys[d.Validator]
	if !ok {
		return
	}
	state := e.chain.HeadState()
	data := types.AttestationData{
		Slot:            d.Slot,
		CommitteeIndex:  d.Committee,
		BeaconBlockRoot: e.chain.HeadRoot(),
		Source:          state.CurrentJustifiedCheckpoint,
		Target: types.Checkpoint{
			Epoch: d.Slot.Epoch(),
			Root:  targetRoot(state, d.Slot, e.chain.HeadRoot()),
		},
	}
	if err := e.protection.CheckAndRecordAttestation(sk.Public(), data.Source.Epoch, data.Target.Epoch); err != nil {
		e.logger.Error("attestation refused by slashing protection", "slot", d.Slot, "err", err)
		return
	}

	dataRoot, err := data.HashTreeRoot()
	if err != nil {
		e.logger.Error("attestation hashing failed", "slot", d.Slot, "err", err)
		return
	}
	signing := transition.SigningRoot(dataRoot, transition.DomainBeaconAttester, state.Fork, e.chain.GenesisValidatorsRoot())

	att := newSingleBitAttestation(data, d.CommitteeSize, d.CommitteeIndex, sk.Sign(signing))
	if err := e.broadcast.PublishAttestation(ctx, att); err != nil {
		e.logger.Error("attestation publish failed", "slot", d.Slot, "err", err)
		return
	}
	e.logger.Debug("attested", "slot", d.Slot, "validator", d.Validator, "committee", d.Committee)
}

// syncMessage signs the head root for the sync committee.
func (e *Engine) syncMessage(ctx context.Context, d Duty, slot types.Slot) {
	sk, ok := e.keys[d.Validator]
	if !ok {
		return
	}
	head := e.chain.HeadRoot()
	signing := transition.SigningRoot(head, transition.DomainSyncCommittee,
		e.chain.HeadState().Fork, e.chain.GenesisValidatorsRoot())
	if err := e.broadcast.PublishSyncMessage(ctx, slot, head, d.Validator, sk.Sign(signing)); err != nil {
		e.logger.Error("sync message publish failed", "slot", slot, "err", err)
	}
}

// newSingleBitAttestation wraps one validator's vote as an aggregate with a
// single aggregation bit set at its committee position.
func newSingleBitAttestation(data types.AttestationData, committeeSize, position int, sig types.Signature) *types.Attestation {
	bits := bitfield.NewBitlist(uint64(committeeSize))
	bits.SetBitAt(uint64(position), true)
	return &types.Attestation{AggregationBits: bits, Data: data, Signature: sig}
}

// targetRoot is the epoch-boundary block root for the attestation target,
// falling back to the head root when the head state has not passed the
// epoch's start slot or that slot is outside the state's history.
func targetRoot(state *types.BeaconState, slot types.Slot, head types.Root) types.Root {
	start := slot.Epoch().StartSlot()
	if start >= state.Slot {
		return head
	}
	root, err := state.BlockRootAtSlot(start)
	if err != nil {
		return head
	}
	return root
}
