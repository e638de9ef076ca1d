// Package dag maintains the in-memory index of known blocks: a tree rooted
// at the finalized tail, with parent links strong and child links held as
// weak first-child/next-sibling root references resolved through the root
// table.
package dag

import (
	"errors"

	"github.com/veldtlabs/veldt/types"
)

// AddResult classifies the outcome of AddBlock.
type AddResult int

const (
	Admitted AddResult = iota
	Duplicate
	MissingParent
	Unviable
)

func (r AddResult) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case MissingParent:
		return "missing-parent"
	case Unviable:
		return "unviable"
	default:
		return "unknown"
	}
}

// ErrUnknownBlock is returned when a root is not in the DAG.
var ErrUnknownBlock = errors.New("unknown block")

// BlockRef is one DAG node. Parent is a strong link: a child never outlives
// its parent. Children are reachable only through the weak
// firstChild/nextSibling roots.
type BlockRef struct {
	Root   types.Root
	Slot   types.Slot
	Parent *BlockRef

	firstChild  types.Root
	nextSibling types.Root

	// ExecutionValid records whether the execution layer has validated the
	// block's payload. Pre-merge blocks are trivially valid.
	ExecutionValid bool
}

// DAG indexes all known viable blocks between the finalized tail and the
// heads. It is owned by the event loop; no internal locking.
type DAG struct {
	refs     map[types.Root]*BlockRef
	tail     *BlockRef
	head     *BlockRef
	unviable map[types.Root]struct{}
}

// New creates a DAG holding only the given tail (finalized anchor).
func New(tailRoot types.Root, tailSlot types.Slot) *DAG {
	tail := &BlockRef{Root: tailRoot, Slot: tailSlot, ExecutionValid: true}
	return &DAG{
		refs:     map[types.Root]*BlockRef{tailRoot: tail},
		tail:     tail,
		head:     tail,
		unviable: make(map[types.Root]struct{}),
	}
}

func (d *DAG) Tail() *BlockRef { return d.tail }
func (d *DAG) Head() *BlockRef { return d.head }
func (d *DAG) Len() int        { return len(d.refs) }

// Get returns the ref for a root, or nil.
func (d *DAG) Get(root types.Root) *BlockRef {
	return d.refs[root]
}

// IsUnviable reports whether the root was rejected as off the finalized
// chain. Remembered so the block is never state-transitioned again.
func (d *DAG) IsUnviable(root types.Root) bool {
	_, ok := d.unviable[root]
	return ok
}

// MarkUnviable records a root as permanently rejected.
func (d *DAG) MarkUnviable(root types.Root) {
	d.unviable[root] = struct{}{}
}

// AddBlock indexes a trusted block. The caller has already run the state
// transition; only structural placement is decided here.
func (d *DAG) AddBlock(b *types.TrustedSignedBeaconBlock) (*BlockRef, AddResult) {
	root, err := b.Message.HashTreeRoot()
	if err != nil {
		return nil, Unviable
	}
	return d.addRef(root, b.Message.Slot, b.Message.ParentRoot)
}

// AddSummary indexes a block from its summary, used during rebuild.
func (d *DAG) AddSummary(root types.Root, s types.BlockSummary) (*BlockRef, AddResult) {
	return d.addRef(root, s.Slot, s.ParentRoot)
}

func (d *DAG) addRef(root types.Root, slot types.Slot, parentRoot types.Root) (*BlockRef, AddResult) {
	if _, ok := d.refs[root]; ok {
		return d.refs[root], Duplicate
	}
	if d.IsUnviable(root) || d.IsUnviable(parentRoot) {
		d.MarkUnviable(root)
		return nil, Unviable
	}
	parent, ok := d.refs[parentRoot]
	if !ok {
		// A block at or below the tail slot whose parent is not in the DAG
		// cannot descend from the finalized tail: its ancestry diverged.
		if slot <= d.tail.Slot {
			d.MarkUnviable(root)
			return nil, Unviable
		}
		return nil, MissingParent
	}
	if parent.Slot >= slot {
		d.MarkUnviable(root)
		return nil, Unviable
	}

	ref := &BlockRef{Root: root, Slot: slot, Parent: parent, ExecutionValid: parent.ExecutionValid}
	d.refs[root] = ref
	d.linkChild(parent, ref)
	return ref, Admitted
}

// linkChild appends ref to the parent's sibling list.
func (d *DAG) linkChild(parent, ref *BlockRef) {
	if parent.firstChild.IsZero() {
		parent.firstChild = ref.Root
		return
	}
	cur := d.refs[parent.firstChild]
	for !cur.nextSibling.IsZero() {
		cur = d.refs[cur.nextSibling]
	}
	cur.nextSibling = ref.Root
}

// children resolves the weak child references.
func (d *DAG) children(ref *BlockRef) []*BlockRef {
	var out []*BlockRef
	next := ref.firstChild
	for !next.IsZero() {
		child := d.refs[next]
		if child == nil {
			break
		}
		out = append(out, child)
		next = child.nextSibling
	}
	return out
}

// AncestorAtSlot walks parent links until the ancestor's slot is at or below
// the target slot.
func (d *DAG) AncestorAtSlot(ref *BlockRef, slot types.Slot) *BlockRef {
	for ref != nil && ref.Slot > slot {
		ref = ref.Parent
	}
	return ref
}

// IsAncestorOf reports whether a is on the chain from b back to the tail.
func (d *DAG) IsAncestorOf(a, b *BlockRef) bool {
	if a == nil || b == nil {
		return false
	}
	anc := d.AncestorAtSlot(b, a.Slot)
	return anc == a
}

// Heads returns all leaves of the DAG.
func (d *DAG) Heads() []*BlockRef {
	var out []*BlockRef
	for _, ref := range d.refs {
		if ref.firstChild.IsZero() {
			out = append(out, ref)
		}
	}
	return out
}

// SetHead records the fork-choice head. The ref must be in the DAG.
func (d *DAG) SetHead(ref *BlockRef) error {
	if d.refs[ref.Root] != ref {
		return ErrUnknownBlock
	}
	d.head = ref
	return nil
}

// SetExecutionValid marks the block and all its ancestors as validated by
// the execution layer.
func (d *DAG) SetExecutionValid(root types.Root) {
	for ref := d.refs[root]; ref != nil && !ref.ExecutionValid; ref = ref.Parent {
		ref.ExecutionValid = true
	}
}

// PruneTo moves the tail up to the newly finalized root and drops every
// branch that does not descend from it. Returns the pruned roots so the
// caller can delete block bodies. Pruning marks the new tail's subtree, then
// drops every other block in one pass; dropped blocks that are not ancestors
// of the new tail are marked unviable.
func (d *DAG) PruneTo(finalizedRoot types.Root) ([]types.Root, error) {
	target := d.refs[finalizedRoot]
	if target == nil {
		return nil, ErrUnknownBlock
	}
	if target == d.tail {
		return nil, nil
	}

	retained := make(map[types.Root]struct{})
	var mark func(ref *BlockRef)
	mark = func(ref *BlockRef) {
		retained[ref.Root] = struct{}{}
		for _, c := range d.children(ref) {
			mark(c)
		}
	}
	mark(target)

	var pruned []types.Root
	for root, ref := range d.refs {
		if _, keep := retained[root]; keep {
			continue
		}
		pruned = append(pruned, root)
		// Pruned forks are off the finalized chain for good.
		if !d.IsAncestorOf(ref, target) {
			d.unviable[root] = struct{}{}
		}
		delete(d.refs, root)
	}

	target.Parent = nil
	d.tail = target
	if _, ok := d.refs[d.head.Root]; !ok {
		d.head = target
	}
	return pruned, nil
}
