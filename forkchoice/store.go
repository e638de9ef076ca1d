// Package forkchoice implements weighted-vote head selection over the block
// DAG: a proto-array of insertion-ordered nodes with vote deltas applied
// along path diffs. The store is in-memory only and fully reconstructable
// from the DAG and the latest-vote table; it is never persisted.
package forkchoice

import (
	"errors"
	"fmt"

	"github.com/veldtlabs/veldt/types"
)

var (
	ErrUnknownRoot   = errors.New("unknown root in fork choice")
	ErrUnknownParent = errors.New("unknown parent in fork choice")
)

const none = -1

type node struct {
	root           types.Root
	slot           types.Slot
	parent         int
	weight         uint64
	bestChild      int
	bestDescendant int
}

// Vote is a validator's latest attestation target.
type Vote struct {
	CurrentRoot types.Root // counted in node weights
	NextRoot    types.Root // pending, applied on the next head computation
	NextEpoch   types.Epoch
}

// Store is the fork-choice state. Owned by the event loop; no locking.
type Store struct {
	nodes []node
	index map[types.Root]int

	votes    map[types.ValidatorIndex]*Vote
	balances []types.Gwei

	justified types.Checkpoint
	finalized types.Checkpoint
}

// New creates a store anchored at the finalized checkpoint's block.
func New(anchorRoot types.Root, anchorSlot types.Slot, justified, finalized types.Checkpoint) *Store {
	s := &Store{
		index:     make(map[types.Root]int),
		votes:     make(map[types.ValidatorIndex]*Vote),
		justified: justified,
		finalized: finalized,
	}
	s.nodes = append(s.nodes, node{
		root: anchorRoot, slot: anchorSlot,
		parent: none, bestChild: none, bestDescendant: none,
	})
	s.index[anchorRoot] = 0
	return s
}

func (s *Store) JustifiedCheckpoint() types.Checkpoint { return s.justified }
func (s *Store) FinalizedCheckpoint() types.Checkpoint { return s.finalized }

// UpdateCheckpoints moves the justified and finalized checkpoints.
// finalized.epoch never decreases.
func (s *Store) UpdateCheckpoints(justified, finalized types.Checkpoint) {
	if justified.Epoch > s.justified.Epoch {
		s.justified = justified
	}
	if finalized.Epoch > s.finalized.Epoch {
		s.finalized = finalized
	}
}

// HasNode reports whether the root is registered.
func (s *Store) HasNode(root types.Root) bool {
	_, ok := s.index[root]
	return ok
}

// InsertNode registers a block under its parent. Duplicates are ignored.
func (s *Store) InsertNode(root, parentRoot types.Root, slot types.Slot) error {
	if _, ok := s.index[root]; ok {
		return nil
	}
	parent, ok := s.index[parentRoot]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParent, parentRoot.Short())
	}
	s.nodes = append(s.nodes, node{
		root: root, slot: slot, parent: parent,
		bestChild: none, bestDescendant: none,
	})
	s.index[root] = len(s.nodes) - 1
	return nil
}

// ProcessAttestation records a validator's latest vote. Only a vote for a
// newer target epoch displaces the pending one.
func (s *Store) ProcessAttestation(validator types.ValidatorIndex, blockRoot types.Root, targetEpoch types.Epoch) {
	v, ok := s.votes[validator]
	if !ok {
		s.votes[validator] = &Vote{NextRoot: blockRoot, NextEpoch: targetEpoch}
		return
	}
	if targetEpoch > v.NextEpoch {
		v.NextRoot = blockRoot
		v.NextEpoch = targetEpoch
	}
}

// UpdateBalances replaces the effective-balance table used to weigh votes.
func (s *Store) UpdateBalances(balances []types.Gwei) {
	s.balances = append(s.balances[:0], balances...)
}

// Head applies all pending vote changes as weight deltas along the path
// diffs, repairs best-child/best-descendant links bottom-up, and walks from
// the justified root to the heaviest leaf. Ties break toward the larger
// block root. The result is invariant under permutation of attestation
// arrival for disjoint validators: deltas commute.
func (s *Store) Head() (types.Root, error) {
	justifiedIdx, ok := s.index[s.justified.Root]
	if !ok {
		return types.Root{}, fmt.Errorf("%w: justified %s", ErrUnknownRoot, s.justified.Root.Short())
	}

	deltas := s.computeDeltas()
	s.applyWeightChanges(deltas)

	idx := justifiedIdx
	for {
		best := s.nodes[idx].bestChild
		if best == none {
			return s.nodes[idx].root, nil
		}
		idx = best
	}
}

// computeDeltas turns pending vote moves into per-node weight deltas:
// -balance at the old target, +balance at the new one.
func (s *Store) computeDeltas() []int64 {
	deltas := make([]int64, len(s.nodes))
	for validator, vote := range s.votes {
		if vote.CurrentRoot == vote.NextRoot {
			continue
		}
		balance := int64(0)
		if int(validator) < len(s.balances) {
			balance = int64(s.balances[validator])
		}
		next, ok := s.index[vote.NextRoot]
		if !ok {
			// Vote for a block we have not seen yet; leave it pending.
			continue
		}
		if old, ok := s.index[vote.CurrentRoot]; ok {
			deltas[old] -= balance
		}
		deltas[next] += balance
		vote.CurrentRoot = vote.NextRoot
	}
	return deltas
}

// applyWeightChanges walks the array backward so every node is visited after
// all of its descendants, accumulating child deltas into parents, then
// recomputes the best-child/best-descendant links against the new weights.
func (s *Store) applyWeightChanges(deltas []int64) {
	for i := len(s.nodes) - 1; i >= 0; i-- {
		n := &s.nodes[i]
		d := deltas[i]
		if d != 0 {
			if d < 0 && uint64(-d) > n.weight {
				n.weight = 0
			} else {
				n.weight = uint64(int64(n.weight) + d)
			}
		}
		if n.parent != none {
			deltas[n.parent] += d
		}
	}

	for i := range s.nodes {
		s.nodes[i].bestChild = none
		s.nodes[i].bestDescendant = none
	}
	for i := len(s.nodes) - 1; i >= 1; i-- {
		if s.nodes[i].parent != none {
			s.updateBestChild(s.nodes[i].parent, i)
		}
	}
}

// updateBestChild reconsiders child as the parent's best child. Heavier
// wins; equal weight breaks toward the larger root.
func (s *Store) updateBestChild(parent, child int) {
	p := &s.nodes[parent]
	c := &s.nodes[child]
	if p.bestChild == none {
		p.bestChild = child
	} else {
		cur := &s.nodes[p.bestChild]
		if c.weight > cur.weight ||
			(c.weight == cur.weight && c.root.Compare(cur.root) > 0) {
			p.bestChild = child
		}
	}
	best := &s.nodes[p.bestChild]
	if best.bestDescendant != none {
		p.bestDescendant = best.bestDescendant
	} else {
		p.bestDescendant = p.bestChild
	}
}

// Prune drops every node that is not the finalized root or one of its
// descendants. Called on finalization advance; the array re-anchors at the
// new finalized block.
func (s *Store) Prune(finalizedRoot types.Root) error {
	rootIdx, ok := s.index[finalizedRoot]
	if !ok {
		return fmt.Errorf("%w: finalized %s", ErrUnknownRoot, finalizedRoot.Short())
	}
	keep := make([]bool, len(s.nodes))
	keep[rootIdx] = true
	for i := rootIdx + 1; i < len(s.nodes); i++ {
		if p := s.nodes[i].parent; p != none && keep[p] {
			keep[i] = true
		}
	}

	remap := make([]int, len(s.nodes))
	var kept []node
	newIndex := make(map[types.Root]int)
	for i, n := range s.nodes {
		if !keep[i] {
			remap[i] = none
			continue
		}
		remap[i] = len(kept)
		kept = append(kept, n)
		newIndex[n.root] = remap[i]
	}
	for i := range kept {
		if p := kept[i].parent; p != none && remap[p] != none && keep[p] {
			kept[i].parent = remap[p]
		} else {
			kept[i].parent = none
		}
		kept[i].bestChild = none
		kept[i].bestDescendant = none
	}
	s.nodes = kept
	s.index = newIndex
	return nil
}
