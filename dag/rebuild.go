package dag

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/veldtlabs/veldt/db"
	"github.com/veldtlabs/veldt/types"
)

// Rebuild reconstructs the DAG from the summaries table by walking backward
// from the stored head until the tail is reached, then re-adding the chain
// forward so children link up. It must complete before fork choice starts.
//
// Missing summaries along the walk are a cue to re-sync, not corruption: the
// walk stops at the gap, the partial chain is discarded, and the DAG holds
// only the tail, which then also serves as head.
func Rebuild(d *db.DB, logger *slog.Logger) (*DAG, error) {
	if logger == nil {
		logger = slog.Default()
	}
	headRoot, err := d.HeadRoot()
	if err != nil {
		return nil, fmt.Errorf("load head pointer: %w", err)
	}
	tailRoot, err := d.TailRoot()
	if err != nil {
		return nil, fmt.Errorf("load tail pointer: %w", err)
	}

	// Walk backward, collecting (root, summary) in reverse order.
	type entry struct {
		root types.Root
		sum  types.BlockSummary
	}
	var chain []entry
	cur := headRoot
	for cur != tailRoot {
		sum, err := d.Summary(cur)
		if errors.Is(err, db.ErrNotFound) {
			logger.Warn("summary gap during rebuild, truncating to contiguous chain",
				"root", cur.Short(), "depth", len(chain))
			chain = nil
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load summary: %w", err)
		}
		chain = append(chain, entry{root: cur, sum: sum})
		cur = sum.ParentRoot
	}

	tailSum, err := d.Summary(tailRoot)
	if err != nil {
		return nil, fmt.Errorf("load tail summary: %w", err)
	}
	g := New(tailRoot, tailSum.Slot)

	// Link forward: reverse iteration gives parent-first order.
	for i := len(chain) - 1; i >= 0; i-- {
		e := chain[i]
		if _, res := g.AddSummary(e.root, e.sum); res != Admitted && res != Duplicate {
			logger.Warn("dropping block during rebuild", "root", e.root.Short(), "result", res.String())
		}
	}

	if head := g.Get(headRoot); head != nil {
		if err := g.SetHead(head); err != nil {
			return nil, err
		}
	}
	logger.Info("block dag rebuilt", "blocks", g.Len(), "head_slot", g.Head().Slot, "tail_slot", g.Tail().Slot)
	return g, nil
}
