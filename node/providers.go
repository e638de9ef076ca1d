package node

import (
	"context"
	"fmt"
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"
	bitfield "github.com/prysmaticlabs/go-bitfield"

	"github.com/veldtlabs/veldt/chainsync"
	"github.com/veldtlabs/veldt/db"
	"github.com/veldtlabs/veldt/metrics"
	"github.com/veldtlabs/veldt/p2p"
	"github.com/veldtlabs/veldt/p2p/reqresp"
	"github.com/veldtlabs/veldt/transition"
	"github.com/veldtlabs/veldt/types"
)

// The node implements the collaborator interfaces of the networking, sync
// and validator layers.

// --- reqresp.ChainProvider ---

func (n *Node) Status() *reqresp.Status {
	n.headMu.RLock()
	defer n.headMu.RUnlock()
	finalized := n.fc.FinalizedCheckpoint()
	return &reqresp.Status{
		ForkDigest:     n.forkDigest(),
		FinalizedRoot:  finalized.Root,
		FinalizedEpoch: finalized.Epoch,
		HeadRoot:       n.headRoot,
		HeadSlot:       n.chain.Head().Slot,
	}
}

func (n *Node) Metadata() *reqresp.Metadata {
	return &reqresp.Metadata{
		SeqNumber: 0,
		Attnets:   bitfield.NewBitvector64(),
		Syncnets:  bitfield.NewBitvector64(),
	}
}

func (n *Node) ForkDigest() [4]byte {
	return n.forkDigest()
}

func (n *Node) BlockByRoot(root types.Root) (*types.SignedBeaconBlock, error) {
	return n.database.Block(root)
}

func (n *Node) BlocksByRange(start types.Slot, count uint64) ([]*types.SignedBeaconBlock, error) {
	var out []*types.SignedBeaconBlock
	for slot := start; slot < start.Add(count); slot++ {
		root, err := n.database.FinalizedBlock(slot)
		if err != nil {
			continue // empty slot or beyond the finalized index
		}
		sb, err := n.database.Block(root)
		if err != nil {
			continue // summary without body is prunable history, not an error
		}
		out = append(out, sb)
	}
	return out, nil
}

// --- validator.ChainView ---

func (n *Node) HeadState() *types.BeaconState {
	n.headMu.RLock()
	defer n.headMu.RUnlock()
	return n.headState.Copy()
}

func (n *Node) HeadRoot() types.Root {
	n.headMu.RLock()
	defer n.headMu.RUnlock()
	return n.headRoot
}

func (n *Node) GenesisValidatorsRoot() types.Root {
	return n.genesisValidatorsRoot
}

// AssembleBlock builds an unsigned block on the current head: attestation
// pool aggregates plus the per-fork extras. The execution payload comes
// from the execution client; without one a bellatrix proposal fails.
func (n *Node) AssembleBlock(ctx context.Context, slot types.Slot, proposer types.ValidatorIndex) (*types.BeaconBlock, error) {
	n.headMu.RLock()
	headState := n.headState
	n.headMu.RUnlock()

	advanced := headState
	if slot > headState.Slot {
		var err error
		advanced, err = transition.ProcessSlots(headState, slot)
		if err != nil {
			return nil, fmt.Errorf("advance state: %w", err)
		}
	}
	parentRoot, err := advanced.LatestBlockHeader.HashTreeRoot()
	if err != nil {
		return nil, err
	}

	fork := n.cfg.Profile.ForkAtEpoch(slot.Epoch())
	var block *types.BeaconBlock
	switch fork {
	case types.Phase0:
		block = types.NewPhase0Block(slot, proposer, parentRoot)
	case types.Altair:
		block = types.NewAltairBlock(slot, proposer, parentRoot)
	default:
		return nil, fmt.Errorf("no execution client wired for %s proposals", fork)
	}
	block.Body.Attestations = n.pool.ForBlock(slot, int(types.MaxAttestationsPerBody))
	block.Body.Eth1Data = advanced.Eth1Data

	post := advanced.Copy()
	if err := transition.ProcessBlock(post, block, transition.SkipSignatureVerification); err != nil {
		return nil, fmt.Errorf("self-transition: %w", err)
	}
	stateRoot, err := post.HashTreeRoot()
	if err != nil {
		return nil, err
	}
	block.StateRoot = stateRoot
	return block, nil
}

// --- validator.Broadcaster ---

func (n *Node) PublishBlock(ctx context.Context, sb *types.SignedBeaconBlock) error {
	raw, err := sb.MarshalSSZ()
	if err != nil {
		return err
	}
	topic := p2p.FullTopic(n.forkDigest(), p2p.TopicBeaconBlock)
	if err := n.gossip.Publish(ctx, topic, raw); err != nil {
		return err
	}
	// Import our own block through the same path as everyone else's.
	select {
	case n.blockCh <- blockMsg{block: sb}:
	case <-ctx.Done():
	}
	return nil
}

func (n *Node) PublishAttestation(ctx context.Context, att *types.Attestation) error {
	raw, err := att.MarshalSSZ()
	if err != nil {
		return err
	}
	topic := p2p.FullTopic(n.forkDigest(), p2p.TopicAggregateAndProof)
	if err := n.gossip.Publish(ctx, topic, raw); err != nil {
		return err
	}
	select {
	case n.attCh <- attMsg{att: att}:
	case <-ctx.Done():
	}
	return nil
}

func (n *Node) PublishSyncMessage(ctx context.Context, slot types.Slot, root types.Root, vi types.ValidatorIndex, sig types.Signature) error {
	// Sync-committee messages are fire-and-forget per subnet.
	subnet := uint64(vi) % 4
	topic := p2p.SyncCommitteeSubnetTopic(n.forkDigest(), subnet)
	payload := make([]byte, 0, 8+32+8+96)
	payload = append(payload, root[:]...)
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(uint64(slot) >> (8 * i))
	}
	payload = append(payload, tmp[:]...)
	for i := 0; i < 8; i++ {
		tmp[i] = byte(uint64(vi) >> (8 * i))
	}
	payload = append(payload, tmp[:]...)
	payload = append(payload, sig[:]...)
	return n.gossip.Publish(ctx, topic, payload)
}

// --- chainsync.Processor / chainsync.PeerSource ---

// ProcessSyncBlock feeds a downloaded block through the import path
// synchronously and reports gaps for the window rewind.
func (n *Node) ProcessSyncBlock(sb *types.SignedBeaconBlock) error {
	root, err := sb.Message.HashTreeRoot()
	if err != nil {
		return err
	}
	if n.chain.Get(sb.Message.ParentRoot) == nil && n.chain.Get(root) == nil {
		return chainsync.ErrMissingParent
	}
	select {
	case n.blockCh <- blockMsg{block: sb}:
	case <-n.ctx.Done():
	}
	return nil
}

// BestSyncPeers ranks connected peers by peer score, highest first. The
// throughput average is not consulted.
func (n *Node) BestSyncPeers(count int) []peer.ID {
	ids := n.peerSet.Connected()
	sort.Slice(ids, func(i, j int) bool {
		return n.peerSet.Score(ids[i]) > n.peerSet.Score(ids[j])
	})
	if len(ids) > count {
		ids = ids[:count]
	}
	return ids
}

// Connect dials a peer synchronously through the p2p service.
func (n *Node) Connect(ctx context.Context, info peer.AddrInfo) error {
	return n.host.Connect(ctx, info)
}

// StartForwardSync brings the node to the network head reported by a peer.
func (n *Node) StartForwardSync(target types.Slot) {
	if n.syncer != nil {
		n.syncer.SetTarget(target)
		return
	}
	n.syncer = chainsync.New(n.ctx, chainsync.Config{
		Mode:      chainsync.ModeForward,
		From:      n.chain.Head().Slot.Add(1),
		Target:    target,
		Fetcher:   n.rr,
		Processor: n,
		Peers:     n,
		Logger:    n.logger,
	})
	n.syncer.Start()
	metrics.SyncWindowSlot.Set(float64(n.chain.Head().Slot))
}

// TrustedNodeSync fetches the remote head block via by-root from one peer,
// persists it and records it as both head and tail. No state is fetched and
// no backfill is started.
func (n *Node) TrustedNodeSync(ctx context.Context, pid peer.ID) error {
	status, err := n.rr.SendStatus(ctx, pid, n.Status())
	if err != nil {
		return fmt.Errorf("status handshake: %w", err)
	}
	blocks, err := n.rr.BlocksByRoot(ctx, pid, []types.Root{status.HeadRoot})
	if err != nil {
		return fmt.Errorf("fetch head block: %w", err)
	}
	if len(blocks) == 0 {
		return fmt.Errorf("%w: trusted peer served no head block", db.ErrNotFound)
	}
	anchor := blocks[0]
	if err := n.database.PutBlock(anchor); err != nil {
		return fmt.Errorf("persist anchor: %w", err)
	}
	root, err := anchor.Message.HashTreeRoot()
	if err != nil {
		return err
	}
	if err := n.database.PutHeadRoot(root); err != nil {
		return err
	}
	if err := n.database.PutTailRoot(root); err != nil {
		return err
	}
	n.logger.Info("trusted-node sync anchored", "peer", pid, "slot", anchor.Message.Slot, "root", root.Short())
	return nil
}
