package dag

import (
	"testing"

	"github.com/veldtlabs/veldt/types"
)

func root(b byte) types.Root { return types.Root{b} }

// addChild admits a summary node and fails the test on anything but the
// expected result.
func addChild(t *testing.T, d *DAG, r, parent types.Root, slot types.Slot) *BlockRef {
	t.Helper()
	ref, res := d.AddSummary(r, types.BlockSummary{Slot: slot, ParentRoot: parent})
	if res != Admitted {
		t.Fatalf("AddSummary(%x) = %s, want admitted", r[:1], res)
	}
	return ref
}

func TestAddBlockIdempotent(t *testing.T) {
	d := New(root(0), 0)
	addChild(t, d, root(1), root(0), 1)

	before := d.Len()
	_, res := d.AddSummary(root(1), types.BlockSummary{Slot: 1, ParentRoot: root(0)})
	if res != Duplicate {
		t.Errorf("second add = %s, want duplicate", res)
	}
	if d.Len() != before {
		t.Error("duplicate add changed the DAG")
	}
}

func TestAddBlockMissingParent(t *testing.T) {
	d := New(root(0), 0)
	_, res := d.AddSummary(root(5), types.BlockSummary{Slot: 5, ParentRoot: root(4)})
	if res != MissingParent {
		t.Errorf("orphan add = %s, want missing-parent", res)
	}
}

func TestSlotInvariant(t *testing.T) {
	d := New(root(0), 5)
	// A child at a slot not beyond its parent violates the DAG invariant.
	_, res := d.AddSummary(root(1), types.BlockSummary{Slot: 5, ParentRoot: root(0)})
	if res != Unviable {
		t.Errorf("equal-slot child = %s, want unviable", res)
	}
}

func TestUnviableAncestryRemembered(t *testing.T) {
	d := New(root(0), 10)
	// Parent unknown and at/below the tail slot: ancestry diverges from the
	// finalized chain.
	_, res := d.AddSummary(root(9), types.BlockSummary{Slot: 9, ParentRoot: root(8)})
	if res != Unviable {
		t.Fatalf("pre-tail orphan = %s, want unviable", res)
	}
	if !d.IsUnviable(root(9)) {
		t.Error("unviable root not remembered")
	}
	// A descendant of the unviable block is rejected without a parent walk.
	_, res = d.AddSummary(root(11), types.BlockSummary{Slot: 11, ParentRoot: root(9)})
	if res != Unviable {
		t.Errorf("descendant of unviable = %s, want unviable", res)
	}
}

func TestAncestorWalks(t *testing.T) {
	d := New(root(0), 0)
	a := addChild(t, d, root(1), root(0), 1)
	b := addChild(t, d, root(2), root(1), 2)
	c := addChild(t, d, root(3), root(2), 5)
	side := addChild(t, d, root(4), root(1), 3)

	if got := d.AncestorAtSlot(c, 2); got != b {
		t.Errorf("AncestorAtSlot(c, 2) = %v, want b", got)
	}
	if got := d.AncestorAtSlot(c, 4); got != b {
		t.Errorf("AncestorAtSlot(c, 4) = %v, want b (deepest at or below)", got)
	}
	if !d.IsAncestorOf(a, c) {
		t.Error("a should be ancestor of c")
	}
	if d.IsAncestorOf(b, side) {
		t.Error("b is not an ancestor of the side branch")
	}
	if !d.IsAncestorOf(d.Tail(), side) {
		t.Error("tail is ancestor of everything")
	}
}

func TestHeads(t *testing.T) {
	d := New(root(0), 0)
	addChild(t, d, root(1), root(0), 1)
	addChild(t, d, root(2), root(1), 2)
	addChild(t, d, root(3), root(1), 2)

	heads := d.Heads()
	if len(heads) != 2 {
		t.Fatalf("heads = %d, want 2", len(heads))
	}
	seen := map[types.Root]bool{}
	for _, h := range heads {
		seen[h.Root] = true
	}
	if !seen[root(2)] || !seen[root(3)] {
		t.Errorf("unexpected head set: %v", seen)
	}
}

func TestPruneToFinalized(t *testing.T) {
	d := New(root(0), 0)
	addChild(t, d, root(1), root(0), 1)
	addChild(t, d, root(2), root(1), 2)
	addChild(t, d, root(3), root(2), 3)
	// Side branch off the tail, to be dropped at finalization of root(2).
	addChild(t, d, root(9), root(0), 1)

	head := d.Get(root(3))
	if err := d.SetHead(head); err != nil {
		t.Fatalf("SetHead: %v", err)
	}

	pruned, err := d.PruneTo(root(2))
	if err != nil {
		t.Fatalf("PruneTo: %v", err)
	}
	if d.Tail().Root != root(2) {
		t.Errorf("tail = %x, want 02", d.Tail().Root[:1])
	}
	if d.Tail().Parent != nil {
		t.Error("new tail retains a parent link")
	}
	if d.Get(root(9)) != nil {
		t.Error("side branch survived pruning")
	}
	if !d.IsUnviable(root(9)) {
		t.Error("pruned fork should be marked unviable")
	}
	if d.Get(root(3)) == nil {
		t.Error("descendant of finalized root was pruned")
	}
	if d.Head() != head {
		t.Error("head changed although it descends from the finalized root")
	}
	if len(pruned) != 3 {
		// root(0), root(1) and root(9) leave the DAG.
		t.Errorf("pruned %d roots, want 3", len(pruned))
	}
}
