// Package node wires the consensus core: database, block DAG, fork choice,
// quarantine, attestation pool, networking, sync and the duty engine. One
// event loop owns the DAG, fork choice, pool and database writes; network
// goroutines deliver work to it as messages.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/veldtlabs/veldt/attpool"
	"github.com/veldtlabs/veldt/chainsync"
	"github.com/veldtlabs/veldt/clock"
	"github.com/veldtlabs/veldt/config"
	"github.com/veldtlabs/veldt/crypto/bls"
	"github.com/veldtlabs/veldt/dag"
	"github.com/veldtlabs/veldt/db"
	"github.com/veldtlabs/veldt/forkchoice"
	"github.com/veldtlabs/veldt/metrics"
	"github.com/veldtlabs/veldt/p2p"
	"github.com/veldtlabs/veldt/p2p/peers"
	"github.com/veldtlabs/veldt/p2p/reqresp"
	"github.com/veldtlabs/veldt/quarantine"
	"github.com/veldtlabs/veldt/transition"
	"github.com/veldtlabs/veldt/types"
	"github.com/veldtlabs/veldt/validator"
)

// Config carries everything the node needs beyond the file-backed options.
type Config struct {
	Options config.Config
	Profile config.Profile

	// GenesisValidators seeds a fresh local-testnet database. Empty for
	// networks bootstrapped via trusted-node sync.
	GenesisValidators []types.Pubkey

	// ValidatorKeys enables the duty engine.
	ValidatorKeys map[types.ValidatorIndex]*bls.SecretKey

	Logger *slog.Logger
}

type blockMsg struct {
	block *types.SignedBeaconBlock
	from  peer.ID
}

type attMsg struct {
	att  *types.Attestation
	from peer.ID
}

// Node is the running consensus client.
type Node struct {
	cfg    Config
	logger *slog.Logger

	database *db.DB
	chain    *dag.DAG
	fc       *forkchoice.Store
	orphans  *quarantine.Quarantine
	pool     *attpool.Pool
	clock    *clock.BeaconClock

	host    *p2p.Service
	gossip  *p2p.Gossip
	rr      *reqresp.Handler
	peerSet *peers.Pool
	syncer  *chainsync.Syncer
	engine  *validator.Engine

	// states caches post-states of non-finalized blocks; epoch-boundary
	// states are persisted, the rest are reconstructable by replay.
	states map[types.Root]*types.BeaconState

	genesisValidatorsRoot types.Root

	blockCh chan blockMsg
	attCh   chan attMsg

	headMu    sync.RWMutex
	headRoot  types.Root
	headState *types.BeaconState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens the data directory, rebuilds the DAG, initializes fork choice
// and constructs the networking stack. Fatal initialization errors are
// returned; the caller exits non-zero.
func New(ctx context.Context, cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Options.DataDir, 0o700); err != nil {
		cancel()
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	database, err := db.Open(filepath.Join(cfg.Options.DataDir, "chain"), logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open database: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		database: database,
		pool:     attpool.New(),
		states:   make(map[types.Root]*types.BeaconState),
		blockCh:  make(chan blockMsg, 256),
		attCh:    make(chan attMsg, 1024),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.orphans, err = quarantine.New(quarantine.DefaultCapacity)
	if err != nil {
		database.Close()
		cancel()
		return nil, err
	}
	if err := n.initChain(); err != nil {
		database.Close()
		cancel()
		return nil, err
	}
	if err := n.initNetwork(); err != nil {
		database.Close()
		cancel()
		return nil, err
	}

	if len(cfg.ValidatorKeys) > 0 {
		protection, err := validator.OpenProtection(filepath.Join(cfg.Options.DataDir, "protection"))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open slashing protection: %w", err)
		}
		n.engine = validator.NewEngine(n.clock, n, n, protection, cfg.ValidatorKeys, logger)
	}
	return n, nil
}

// initChain seeds genesis on an empty database, rebuilds the DAG and brings
// up fork choice. The rebuild completes before fork choice exists.
func (n *Node) initChain() error {
	if _, err := n.database.GenesisRoot(); errors.Is(err, db.ErrNotFound) {
		if err := n.seedGenesis(); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	chain, err := dag.Rebuild(n.database, n.logger)
	if err != nil {
		return fmt.Errorf("rebuild dag: %w", err)
	}
	n.chain = chain

	headRoot := chain.Head().Root
	headState, err := n.stateForBlock(headRoot)
	if err != nil {
		return fmt.Errorf("load head state: %w", err)
	}
	n.headRoot = headRoot
	n.headState = headState
	n.states[headRoot] = headState
	n.genesisValidatorsRoot = headState.GenesisValidatorsRoot

	justified := headState.CurrentJustifiedCheckpoint
	finalized := headState.FinalizedCheckpoint
	if justified.Root.IsZero() {
		justified = types.Checkpoint{Epoch: 0, Root: chain.Tail().Root}
	}
	if finalized.Root.IsZero() {
		finalized = types.Checkpoint{Epoch: 0, Root: chain.Tail().Root}
	}
	n.fc = forkchoice.New(chain.Tail().Root, chain.Tail().Slot, justified, finalized)
	n.fc.UpdateBalances(effectiveBalances(headState))

	// Register every non-tail ref so votes can land anywhere in the tree.
	for _, head := range chain.Heads() {
		for ref := head; ref != nil && ref.Parent != nil; ref = ref.Parent {
			_ = n.fc.InsertNode(ref.Root, ref.Parent.Root, ref.Slot)
		}
	}

	n.clock = clock.New(headState.GenesisTime, n.logger)
	return nil
}

// seedGenesis writes the genesis block, state and pointers for a fresh
// local-testnet data directory.
func (n *Node) seedGenesis() error {
	if len(n.cfg.GenesisValidators) == 0 {
		return errors.New("empty database and no genesis validators; run trusted-node-sync first")
	}
	genesisTime := n.cfg.Profile.GenesisTime
	state := transition.GenesisState(genesisTime, n.cfg.GenesisValidators)
	block, err := transition.GenesisBlock(state)
	if err != nil {
		return err
	}
	root, err := block.Message.HashTreeRoot()
	if err != nil {
		return err
	}
	if err := n.database.PutBlock(block); err != nil {
		return fmt.Errorf("persist genesis block: %w", err)
	}
	if _, err := n.database.PutState(root, state); err != nil {
		return fmt.Errorf("persist genesis state: %w", err)
	}
	for _, put := range []func(types.Root) error{
		n.database.PutGenesisRoot, n.database.PutHeadRoot, n.database.PutTailRoot,
	} {
		if err := put(root); err != nil {
			return err
		}
	}
	return n.database.WithManyWrites(func(txn *db.Txn) error {
		return n.database.PutFinalizedBlock(txn, 0, root)
	})
}

func (n *Node) initNetwork() error {
	password := ""
	if n.cfg.Options.NetworkKeyInsecurePasswd {
		password = p2p.InsecurePassword
	}
	keyPath := filepath.Join(n.cfg.Options.DataDir, n.cfg.Options.NetworkKeyFile)
	priv, err := p2p.LoadOrCreateNetworkKey(keyPath, password, p2p.DefaultScryptN)
	if err != nil {
		return fmt.Errorf("network key: %w", err)
	}

	host, err := p2p.NewHost(p2p.HostConfig{
		ListenAddress: n.cfg.Options.ListenAddr,
		TCPPort:       n.cfg.Options.TCPPort,
		PrivKey:       priv,
	})
	if err != nil {
		return err
	}
	n.logger.Info("libp2p host up", "peer_id", host.ID())

	n.peerSet = peers.NewPool()
	n.rr = reqresp.NewHandler(host, n, n.peerSet, n.logger)
	n.rr.Register()

	preAltair := n.cfg.Profile.ForkAtEpoch(n.currentEpoch()) < types.Altair
	gossip, err := p2p.NewGossip(n.ctx, host, n.peerSet, preAltair, n.logger)
	if err != nil {
		return err
	}
	n.gossip = gossip

	n.host = p2p.NewService(n.ctx, p2p.ServiceConfig{
		Host:         host,
		Pool:         n.peerSet,
		ReqResp:      n.rr,
		MaxPeers:     n.cfg.Options.MaxPeers,
		HardMaxPeers: n.cfg.Options.HardMaxPeers,
		LocalTestnet: n.cfg.Profile.LocalTestnet,
		Logger:       n.logger,
	})
	return n.registerGossip()
}

func (n *Node) currentEpoch() types.Epoch {
	if n.clock == nil {
		return 0
	}
	return n.clock.CurrentSlot().Epoch()
}

func (n *Node) forkDigest() [4]byte {
	fork := n.cfg.Profile.ForkAtEpoch(n.currentEpoch())
	return p2p.ForkDigest(n.cfg.Profile.ForkVersion(fork), n.genesisValidatorsRoot)
}

// registerGossip installs topic validators and subscription handlers. The
// validator table is keyed by topic.
func (n *Node) registerGossip() error {
	digest := n.forkDigest()
	blockTopic := p2p.FullTopic(digest, p2p.TopicBeaconBlock)
	aggTopic := p2p.FullTopic(digest, p2p.TopicAggregateAndProof)

	if err := n.gossip.Register(blockTopic, n.validateGossipBlock); err != nil {
		return err
	}
	if err := n.gossip.Subscribe(n.ctx, blockTopic, func(ctx context.Context, from peer.ID, decoded []byte) {
		var sb types.SignedBeaconBlock
		if err := sb.UnmarshalSSZ(decoded); err != nil {
			return
		}
		select {
		case n.blockCh <- blockMsg{block: &sb, from: from}:
		case <-ctx.Done():
		}
	}); err != nil {
		return err
	}

	if err := n.gossip.Register(aggTopic, n.validateGossipAttestation); err != nil {
		return err
	}
	return n.gossip.Subscribe(n.ctx, aggTopic, func(ctx context.Context, from peer.ID, decoded []byte) {
		var att types.Attestation
		if err := att.UnmarshalSSZ(decoded); err != nil {
			return
		}
		select {
		case n.attCh <- attMsg{att: &att, from: from}:
		case <-ctx.Done():
		}
	})
}

// validateGossipBlock runs the cheap structural checks on the gossip
// goroutine; full state transition happens on the event loop.
func (n *Node) validateGossipBlock(_ context.Context, _ peer.ID, decoded []byte) p2p.Validation {
	var sb types.SignedBeaconBlock
	if err := sb.UnmarshalSSZ(decoded); err != nil {
		metrics.GossipRejects.Inc()
		return p2p.Reject
	}
	if err := sb.Message.CheckWellFormed(); err != nil {
		metrics.GossipRejects.Inc()
		return p2p.Reject
	}
	if sb.Message.Slot > n.clock.CurrentSlot().Add(1) {
		return p2p.Ignore // too far in the future; do not penalize clocks
	}
	if n.chain.IsUnviable(mustRoot(&sb)) {
		metrics.GossipRejects.Inc()
		return p2p.Reject
	}
	return p2p.Accept
}

func (n *Node) validateGossipAttestation(_ context.Context, _ peer.ID, decoded []byte) p2p.Validation {
	var att types.Attestation
	if err := att.UnmarshalSSZ(decoded); err != nil {
		metrics.GossipRejects.Inc()
		return p2p.Reject
	}
	if att.AggregationBits.Count() == 0 {
		metrics.GossipRejects.Inc()
		return p2p.Reject
	}
	if att.Data.Slot > n.clock.CurrentSlot().Add(1) {
		return p2p.Ignore
	}
	return p2p.Accept
}

func mustRoot(sb *types.SignedBeaconBlock) types.Root {
	root, _ := sb.Message.HashTreeRoot()
	return root
}

// Start launches the services and the event loop.
func (n *Node) Start() error {
	n.host.Start()

	direct, err := p2p.ParsePeers(n.cfg.Options.DirectPeers)
	if err != nil {
		return fmt.Errorf("parse direct peers: %w", err)
	}
	for _, info := range direct {
		n.host.Dial(info)
	}

	if n.cfg.Options.MetricsEnabled {
		go func() {
			if err := metrics.Serve(n.cfg.Options.MetricsAddress); err != nil {
				n.logger.Error("metrics listener failed", "err", err)
			}
		}()
	}

	n.wg.Add(2)
	go n.eventLoop()
	go n.statusLoop()

	if n.engine != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.engine.Run(n.ctx)
		}()
	}

	n.logger.Info("node started",
		"head_slot", n.chain.Head().Slot,
		"finalized_epoch", n.fc.FinalizedCheckpoint().Epoch,
		"profile", n.cfg.Profile.Name)
	return nil
}

// Stop shuts the node down in reverse start order.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()
	if n.syncer != nil {
		n.syncer.Stop()
	}
	n.host.Stop()
	n.database.Close()
	n.logger.Info("node stopped")
}

// eventLoop is the single owner of the DAG, fork choice, attestation pool
// and database writes.
func (n *Node) eventLoop() {
	defer n.wg.Done()
	ticks := n.clock.Ticker(n.ctx)
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.blockCh:
			n.onBlock(msg.block, msg.from)
		case msg := <-n.attCh:
			n.onAttestation(msg.att)
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			if tick.Interval == 0 {
				n.onSlot(tick.Slot)
			}
		}
	}
}

// statusLoop exchanges status with connected peers and extends the sync
// window when a peer reports a higher head.
func (n *Node) statusLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			ours := n.Status()
			for _, pid := range n.peerSet.Connected() {
				theirs, err := n.rr.SendStatus(n.ctx, pid, ours)
				if err != nil {
					n.logger.Debug("status exchange failed", "peer", pid, "err", err)
					continue
				}
				if theirs.ForkDigest != ours.ForkDigest {
					n.logger.Debug("peer on another network", "peer", pid)
					n.host.Disconnect(pid, peers.ReasonIrrelevantNetwork)
					continue
				}
				if theirs.HeadSlot > n.chain.Head().Slot {
					n.StartForwardSync(theirs.HeadSlot)
				}
			}
		}
	}
}

func (n *Node) onSlot(slot types.Slot) {
	n.pool.PruneBefore(slot.SubSat(uint64(attpool.InclusionWindow) * 2))
	metrics.ConnectedPeers.Set(float64(n.peerSet.ConnectedCount()))
	n.logger.Debug("slot", "slot", slot,
		"head", n.chain.Head().Root.Short(), "peers", n.peerSet.ConnectedCount())
}

// onBlock imports a gossip or sync block: quarantine orphans, run the state
// transition, persist, index, credit fork-choice votes, then update head.
// The DAG admit strictly precedes crediting the block's attestations.
func (n *Node) onBlock(sb *types.SignedBeaconBlock, from peer.ID) {
	root, err := sb.Message.HashTreeRoot()
	if err != nil {
		return
	}
	if n.chain.Get(root) != nil {
		return // duplicate
	}
	if n.chain.IsUnviable(root) {
		n.penalize(from)
		return
	}

	parentRef := n.chain.Get(sb.Message.ParentRoot)
	if parentRef == nil {
		if err := n.orphans.Add(sb); err == nil {
			n.logger.Debug("quarantined orphan", "root", root.Short(), "parent", sb.Message.ParentRoot.Short())
		}
		return
	}

	parentState, err := n.stateForBlock(parentRef.Root)
	if err != nil {
		n.logger.Warn("missing parent state", "root", root.Short(), "err", err)
		return
	}

	postState, err := transition.Transition(parentState, sb, transition.VerifyAllSignatures)
	if err != nil {
		if errors.Is(err, transition.ErrInvalid) {
			n.chain.MarkUnviable(root)
			for _, desc := range n.orphans.RemoveDescendants(root) {
				n.chain.MarkUnviable(desc)
			}
			n.penalize(from)
			n.logger.Warn("invalid block", "root", root.Short(), "slot", sb.Message.Slot, "err", err)
		}
		return
	}

	// Persist the block, and at epoch boundaries the post-state, before the
	// in-memory admit. Each is its own transaction.
	if err := n.database.PutBlock(sb); err != nil {
		n.logger.Error("block persist failed", "root", root.Short(), "err", err)
		return
	}
	if uint64(sb.Message.Slot)%types.SlotsPerEpoch == 0 {
		if _, err := n.database.PutState(root, postState); err != nil {
			n.logger.Error("state persist failed", "root", root.Short(), "err", err)
			return
		}
	}
	n.states[root] = postState

	if _, res := n.chain.AddBlock(types.Trusted(sb)); res != dag.Admitted {
		n.logger.Warn("dag rejected block after transition", "root", root.Short(), "result", res.String())
		return
	}
	metrics.BlocksImported.Inc()
	_ = n.fc.InsertNode(root, sb.Message.ParentRoot, sb.Message.Slot)

	// Votes are credited only after the block is in the DAG.
	for i := range sb.Message.Body.Attestations {
		n.creditAttestation(&sb.Message.Body.Attestations[i], postState)
	}
	n.fc.UpdateCheckpoints(postState.CurrentJustifiedCheckpoint, postState.FinalizedCheckpoint)
	n.fc.UpdateBalances(effectiveBalances(postState))
	n.updateHead()
	n.advanceFinalization(postState)

	n.logger.Info("imported block", "slot", sb.Message.Slot, "root", root.Short(),
		"proposer", sb.Message.ProposerIndex)

	// Drain quarantined children in causal order.
	for _, child := range n.orphans.PopChildren(root) {
		n.onBlock(child, from)
	}
}

func (n *Node) penalize(from peer.ID) {
	if from == "" {
		return
	}
	if n.peerSet.Penalize(from, peers.PenaltyInvalidBlock) {
		n.peerSet.Ban(from, peers.ReasonLowScore)
	}
}

// creditAttestation resolves committee members and records their votes.
func (n *Node) creditAttestation(att *types.Attestation, state *types.BeaconState) {
	committee, err := transition.BeaconCommittee(state, att.Data.Slot, att.Data.CommitteeIndex)
	if err != nil {
		return
	}
	if att.AggregationBits.Len() != uint64(len(committee)) {
		return
	}
	for i, vi := range committee {
		if att.AggregationBits.BitAt(uint64(i)) {
			n.fc.ProcessAttestation(vi, att.Data.BeaconBlockRoot, att.Data.Target.Epoch)
		}
	}
}

// onAttestation handles a gossip attestation: fork choice first, then the
// pool for block building.
func (n *Node) onAttestation(att *types.Attestation) {
	if n.chain.Get(att.Data.BeaconBlockRoot) == nil {
		return // vote for an unknown block; sync will catch up
	}
	n.headMu.RLock()
	state := n.headState
	n.headMu.RUnlock()
	n.creditAttestation(att, state)
	if err := n.pool.Add(att); err != nil {
		n.logger.Debug("attestation pool rejected", "err", err)
	}
	n.updateHead()
}

// updateHead recomputes fork choice and exposes the new head to duty
// scheduling only with its committed state.
func (n *Node) updateHead() {
	headRoot, err := n.fc.Head()
	if err != nil {
		n.logger.Warn("fork choice head failed", "err", err)
		return
	}
	ref := n.chain.Get(headRoot)
	if ref == nil {
		return
	}
	state, err := n.stateForBlock(headRoot)
	if err != nil {
		n.logger.Warn("head state unavailable", "root", headRoot.Short(), "err", err)
		return
	}
	if err := n.chain.SetHead(ref); err != nil {
		return
	}
	if err := n.database.PutHeadRoot(headRoot); err != nil {
		n.logger.Error("head pointer write failed", "err", err)
	}

	n.headMu.Lock()
	n.headRoot = headRoot
	n.headState = state
	n.headMu.Unlock()
	metrics.HeadSlot.Set(float64(ref.Slot))
}

// advanceFinalization prunes the DAG and fork choice to a newly finalized
// root and extends the dense finalized index.
func (n *Node) advanceFinalization(state *types.BeaconState) {
	finalized := n.fc.FinalizedCheckpoint()
	if finalized.Root.IsZero() || finalized.Root == n.chain.Tail().Root {
		return
	}
	target := n.chain.Get(finalized.Root)
	if target == nil {
		return
	}
	metrics.FinalizedEpoch.Set(float64(finalized.Epoch))

	// Dense index of the newly finalized chain segment.
	err := n.database.WithManyWrites(func(txn *db.Txn) error {
		for ref := target; ref != nil; ref = ref.Parent {
			if err := n.database.PutFinalizedBlock(txn, ref.Slot, ref.Root); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		n.logger.Error("finalized index write failed", "err", err)
		return
	}
	if err := n.database.PutTailRoot(finalized.Root); err != nil {
		n.logger.Error("tail pointer write failed", "err", err)
		return
	}

	pruned, err := n.chain.PruneTo(finalized.Root)
	if err != nil {
		n.logger.Warn("dag prune failed", "err", err)
		return
	}
	if err := n.fc.Prune(finalized.Root); err != nil {
		n.logger.Warn("fork choice prune failed", "err", err)
	}
	for _, root := range pruned {
		delete(n.states, root)
		if !n.onFinalizedChain(root) {
			if err := n.database.DelBlock(root); err != nil {
				n.logger.Debug("prune delete failed", "root", root.Short(), "err", err)
			}
		}
	}
	n.logger.Info("finalization advanced", "epoch", finalized.Epoch, "root", finalized.Root.Short(),
		"pruned", len(pruned))
}

func (n *Node) onFinalizedChain(root types.Root) bool {
	sum, err := n.database.Summary(root)
	if err != nil {
		return false
	}
	canonical, err := n.database.FinalizedBlock(sum.Slot)
	return err == nil && canonical == root
}

// stateForBlock loads a block's post-state from the cache, the database, or
// by replaying blocks from the nearest stored ancestor state.
func (n *Node) stateForBlock(root types.Root) (*types.BeaconState, error) {
	if state, ok := n.states[root]; ok {
		return state, nil
	}
	sum, err := n.database.Summary(root)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	if stateRoot, err := n.database.StateRoot(sum.Slot, root); err == nil {
		if state, err := n.database.State(stateRoot); err == nil {
			return state, nil
		}
	}

	// Replay: walk back to a block with a stored state, then apply blocks
	// forward. Signatures were verified on first import.
	var chain []types.Root
	cur := root
	var base *types.BeaconState
	for {
		chain = append(chain, cur)
		s, err := n.database.Summary(cur)
		if err != nil {
			return nil, fmt.Errorf("replay walk: %w", err)
		}
		if s.ParentRoot.IsZero() {
			return nil, errors.New("replay reached genesis without a stored state")
		}
		parentSum, err := n.database.Summary(s.ParentRoot)
		if err != nil {
			return nil, fmt.Errorf("replay walk: %w", err)
		}
		if stateRoot, err := n.database.StateRoot(parentSum.Slot, s.ParentRoot); err == nil {
			if st, err := n.database.State(stateRoot); err == nil {
				base = st
				break
			}
		}
		if st, ok := n.states[s.ParentRoot]; ok {
			base = st
			break
		}
		cur = s.ParentRoot
	}
	for i := len(chain) - 1; i >= 0; i-- {
		sb, err := n.database.Block(chain[i])
		if err != nil {
			return nil, fmt.Errorf("replay block: %w", err)
		}
		base, err = transition.Transition(base, sb, transition.SkipSignatureVerification)
		if err != nil {
			return nil, fmt.Errorf("replay transition: %w", err)
		}
	}
	n.states[root] = base
	return base, nil
}

func effectiveBalances(state *types.BeaconState) []types.Gwei {
	out := make([]types.Gwei, len(state.Validators))
	for i := range state.Validators {
		if state.Validators[i].IsActive(state.Epoch()) {
			out[i] = state.Validators[i].EffectiveBalance
		}
	}
	return out
}
