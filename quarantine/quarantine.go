// Package quarantine holds blocks whose parent is not yet in the DAG. The
// pool is bounded with LRU eviction; losing an orphan is harmless, it will
// be re-fetched by sync if it mattered.
package quarantine

import (
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/veldtlabs/veldt/types"
)

// DefaultCapacity bounds the orphan pool. A full epoch of blocks per a
// handful of competing forks fits comfortably.
const DefaultCapacity = 256

// Quarantine is owned by the event loop; no internal locking.
type Quarantine struct {
	blocks   *lru.Cache[types.Root, *types.SignedBeaconBlock]
	byParent map[types.Root][]types.Root
}

func New(capacity int) (*Quarantine, error) {
	q := &Quarantine{byParent: make(map[types.Root][]types.Root)}
	cache, err := lru.NewWithEvict(capacity, q.onEvict)
	if err != nil {
		return nil, err
	}
	q.blocks = cache
	return q, nil
}

func (q *Quarantine) onEvict(root types.Root, sb *types.SignedBeaconBlock) {
	q.unindex(root, sb.Message.ParentRoot)
}

func (q *Quarantine) unindex(root, parent types.Root) {
	siblings := q.byParent[parent]
	for i, r := range siblings {
		if r == root {
			q.byParent[parent] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	if len(q.byParent[parent]) == 0 {
		delete(q.byParent, parent)
	}
}

// Add holds an orphan block. Duplicates are idempotent.
func (q *Quarantine) Add(sb *types.SignedBeaconBlock) error {
	root, err := sb.Message.HashTreeRoot()
	if err != nil {
		return err
	}
	if _, ok := q.blocks.Get(root); ok {
		return nil
	}
	q.byParent[sb.Message.ParentRoot] = append(q.byParent[sb.Message.ParentRoot], root)
	q.blocks.Add(root, sb)
	return nil
}

// Contains reports whether the root is held.
func (q *Quarantine) Contains(root types.Root) bool {
	return q.blocks.Contains(root)
}

// Len returns the number of held blocks.
func (q *Quarantine) Len() int {
	return q.blocks.Len()
}

// MissingParents returns the parent roots the pool is waiting on, for sync
// to fetch.
func (q *Quarantine) MissingParents() []types.Root {
	out := make([]types.Root, 0, len(q.byParent))
	for parent := range q.byParent {
		out = append(out, parent)
	}
	return out
}

// PopChildren removes and returns the blocks waiting on the given parent,
// ordered by slot so the caller processes them in causal order.
func (q *Quarantine) PopChildren(parentRoot types.Root) []*types.SignedBeaconBlock {
	roots := q.byParent[parentRoot]
	if len(roots) == 0 {
		return nil
	}
	delete(q.byParent, parentRoot)

	var out []*types.SignedBeaconBlock
	for _, root := range roots {
		if sb, ok := q.blocks.Peek(root); ok {
			q.blocks.Remove(root)
			out = append(out, sb)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Message.Slot < out[j].Message.Slot
	})
	return out
}

// RemoveDescendants drops the block for the root (if held) and every held
// descendant, returning all removed roots. Used when a root is discovered
// unviable: its whole quarantined subtree is unviable with it.
func (q *Quarantine) RemoveDescendants(root types.Root) []types.Root {
	var removed []types.Root
	frontier := []types.Root{root}
	for len(frontier) > 0 {
		parent := frontier[0]
		frontier = frontier[1:]
		children := q.byParent[parent]
		delete(q.byParent, parent)
		for _, child := range children {
			if q.blocks.Contains(child) {
				q.blocks.Remove(child)
				removed = append(removed, child)
			}
			frontier = append(frontier, child)
		}
	}
	return removed
}
