package forkchoice

import (
	"testing"

	"github.com/veldtlabs/veldt/types"
)

func root(b byte) types.Root { return types.Root{b} }

// newTestStore anchors a store at a genesis root with n validators of unit
// balance.
func newTestStore(t *testing.T, n int) *Store {
	t.Helper()
	anchor := root(0)
	cp := types.Checkpoint{Epoch: 0, Root: anchor}
	s := New(anchor, 0, cp, cp)
	balances := make([]types.Gwei, n)
	for i := range balances {
		balances[i] = 1
	}
	s.UpdateBalances(balances)
	return s
}

func insert(t *testing.T, s *Store, r, parent types.Root, slot types.Slot) {
	t.Helper()
	if err := s.InsertNode(r, parent, slot); err != nil {
		t.Fatalf("InsertNode(%x): %v", r[:1], err)
	}
}

func head(t *testing.T, s *Store) types.Root {
	t.Helper()
	h, err := s.Head()
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	return h
}

func TestHeadWithoutVotes(t *testing.T) {
	s := newTestStore(t, 8)
	insert(t, s, root(1), root(0), 1)
	insert(t, s, root(2), root(1), 2)

	if got := head(t, s); got != root(2) {
		t.Errorf("head = %x, want the only leaf", got[:1])
	}
}

func TestTieBreakLargerRoot(t *testing.T) {
	s := newTestStore(t, 8)
	insert(t, s, root(0x10), root(0), 1)
	insert(t, s, root(0x20), root(0), 1)

	if got := head(t, s); got != root(0x20) {
		t.Errorf("tie broke to %x, want larger root 20", got[:1])
	}
}

func TestReorgFollowsWeight(t *testing.T) {
	s := newTestStore(t, 256)
	// Siblings A and B at slot 10.
	a, b := root(0xaa), root(0xbb)
	insert(t, s, a, root(0), 10)
	insert(t, s, b, root(0), 10)

	// 100 validators vote A.
	for i := 0; i < 100; i++ {
		s.ProcessAttestation(types.ValidatorIndex(i), a, 1)
	}
	if got := head(t, s); got != a {
		t.Fatalf("head = %x, want A", got[:1])
	}

	// 110 fresh validators vote B: head reorgs to B.
	for i := 100; i < 210; i++ {
		s.ProcessAttestation(types.ValidatorIndex(i), b, 1)
	}
	if got := head(t, s); got != b {
		t.Fatalf("after B surge head = %x, want B", got[:1])
	}

	// The A voters plus 20 more move to A at a later epoch: 120 > 110.
	for i := 0; i < 100; i++ {
		s.ProcessAttestation(types.ValidatorIndex(i), a, 2)
	}
	for i := 210; i < 230; i++ {
		s.ProcessAttestation(types.ValidatorIndex(i), a, 2)
	}
	if got := head(t, s); got != a {
		t.Fatalf("after A recovery head = %x, want A", got[:1])
	}
}

func TestHeadPermutationInvariant(t *testing.T) {
	build := func(order []types.ValidatorIndex) types.Root {
		s := newTestStore(t, 8)
		insert(t, s, root(1), root(0), 1)
		insert(t, s, root(2), root(0), 1)
		targets := map[types.ValidatorIndex]types.Root{
			0: root(1), 1: root(2), 2: root(2), 3: root(1), 4: root(2),
		}
		for _, v := range order {
			s.ProcessAttestation(v, targets[v], 1)
		}
		return head(t, s)
	}

	h1 := build([]types.ValidatorIndex{0, 1, 2, 3, 4})
	h2 := build([]types.ValidatorIndex{4, 3, 2, 1, 0})
	h3 := build([]types.ValidatorIndex{2, 0, 4, 1, 3})
	if h1 != h2 || h2 != h3 {
		t.Errorf("head depends on attestation order: %x %x %x", h1[:1], h2[:1], h3[:1])
	}
	if h1 != root(2) {
		t.Errorf("head = %x, want majority branch 02", h1[:1])
	}
}

func TestVoteMovesApplyPathDiff(t *testing.T) {
	s := newTestStore(t, 4)
	insert(t, s, root(1), root(0), 1)
	insert(t, s, root(2), root(1), 2)
	insert(t, s, root(3), root(1), 2)

	s.ProcessAttestation(0, root(2), 1)
	s.ProcessAttestation(1, root(2), 1)
	if got := head(t, s); got != root(2) {
		t.Fatalf("head = %x, want 02", got[:1])
	}

	// Both validators move to the sibling at a later epoch; the old branch
	// loses exactly what the new branch gains.
	s.ProcessAttestation(0, root(3), 2)
	s.ProcessAttestation(1, root(3), 2)
	if got := head(t, s); got != root(3) {
		t.Fatalf("head after move = %x, want 03", got[:1])
	}
}

func TestStaleVoteDoesNotDisplace(t *testing.T) {
	s := newTestStore(t, 4)
	insert(t, s, root(1), root(0), 1)
	insert(t, s, root(2), root(0), 1)

	s.ProcessAttestation(0, root(1), 5)
	// An older-epoch vote from the same validator must not displace.
	s.ProcessAttestation(0, root(2), 3)
	if got := head(t, s); got != root(1) {
		t.Errorf("stale vote displaced newer: head = %x", got[:1])
	}
}

func TestCheckpointMonotonicity(t *testing.T) {
	s := newTestStore(t, 4)
	s.UpdateCheckpoints(
		types.Checkpoint{Epoch: 3, Root: root(3)},
		types.Checkpoint{Epoch: 2, Root: root(2)},
	)
	// A regressing update is ignored.
	s.UpdateCheckpoints(
		types.Checkpoint{Epoch: 1, Root: root(1)},
		types.Checkpoint{Epoch: 1, Root: root(1)},
	)
	if s.JustifiedCheckpoint().Epoch != 3 {
		t.Error("justified checkpoint regressed")
	}
	if s.FinalizedCheckpoint().Epoch != 2 {
		t.Error("finalized checkpoint regressed")
	}
}

func TestPruneKeepsFinalizedSubtree(t *testing.T) {
	s := newTestStore(t, 8)
	insert(t, s, root(1), root(0), 1)
	insert(t, s, root(2), root(1), 2)
	insert(t, s, root(3), root(2), 3)
	insert(t, s, root(9), root(0), 1) // fork to be dropped

	if err := s.Prune(root(2)); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if s.HasNode(root(9)) || s.HasNode(root(1)) {
		t.Error("pruned nodes still present")
	}
	if !s.HasNode(root(2)) || !s.HasNode(root(3)) {
		t.Error("finalized subtree was pruned")
	}

	// Head computation still works from the new anchor.
	s.UpdateCheckpoints(types.Checkpoint{Epoch: 1, Root: root(2)}, types.Checkpoint{Epoch: 1, Root: root(2)})
	if got := head(t, s); got != root(3) {
		t.Errorf("head after prune = %x, want 03", got[:1])
	}
}
