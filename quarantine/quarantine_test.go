package quarantine

import (
	"testing"

	"github.com/veldtlabs/veldt/types"
)

func orphan(t *testing.T, slot types.Slot, parent types.Root, seed byte) *types.SignedBeaconBlock {
	t.Helper()
	blk := types.NewPhase0Block(slot, 1, parent)
	blk.StateRoot = types.Root{seed}
	return &types.SignedBeaconBlock{Message: *blk}
}

func TestAddAndDrainCausalOrder(t *testing.T) {
	q, err := New(DefaultCapacity)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parent := types.Root{0xf0}

	// Insert out of slot order.
	b3 := orphan(t, 3, parent, 3)
	b1 := orphan(t, 1, parent, 1)
	b2 := orphan(t, 2, parent, 2)
	for _, b := range []*types.SignedBeaconBlock{b3, b1, b2} {
		if err := q.Add(b); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	children := q.PopChildren(parent)
	if len(children) != 3 {
		t.Fatalf("PopChildren = %d blocks, want 3", len(children))
	}
	for i := 1; i < len(children); i++ {
		if children[i].Message.Slot < children[i-1].Message.Slot {
			t.Error("children not in causal (slot) order")
		}
	}
	if q.Len() != 0 {
		t.Error("pool not drained")
	}
}

func TestAddIdempotent(t *testing.T) {
	q, _ := New(DefaultCapacity)
	b := orphan(t, 1, types.Root{1}, 9)
	if err := q.Add(b); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.Add(b); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d after duplicate add, want 1", q.Len())
	}
	if got := q.PopChildren(types.Root{1}); len(got) != 1 {
		t.Errorf("PopChildren = %d, want 1", len(got))
	}
}

func TestBoundedEviction(t *testing.T) {
	q, _ := New(4)
	for i := 0; i < 10; i++ {
		if err := q.Add(orphan(t, types.Slot(i+1), types.Root{byte(i)}, byte(i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if q.Len() != 4 {
		t.Errorf("Len = %d, want capacity 4", q.Len())
	}
	// The parent index shrinks with evictions.
	if len(q.MissingParents()) != 4 {
		t.Errorf("MissingParents = %d, want 4", len(q.MissingParents()))
	}
}

func TestRemoveDescendants(t *testing.T) {
	q, _ := New(DefaultCapacity)
	// bad <- c1 <- c2, plus unrelated sibling under another parent.
	bad := types.Root{0xba}
	c1 := orphan(t, 2, bad, 1)
	c1Root, _ := c1.Message.HashTreeRoot()
	c2 := orphan(t, 3, c1Root, 2)
	other := orphan(t, 2, types.Root{0x11}, 3)
	for _, b := range []*types.SignedBeaconBlock{c1, c2, other} {
		if err := q.Add(b); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	removed := q.RemoveDescendants(bad)
	if len(removed) != 2 {
		t.Fatalf("removed %d, want the 2 descendants", len(removed))
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1 survivor", q.Len())
	}
	otherRoot, _ := other.Message.HashTreeRoot()
	if !q.Contains(otherRoot) {
		t.Error("unrelated block was removed")
	}
}
