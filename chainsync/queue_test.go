package chainsync

import (
	"errors"
	"testing"

	"github.com/veldtlabs/veldt/types"
)

func block(t *testing.T, slot types.Slot) *types.SignedBeaconBlock {
	t.Helper()
	blk := types.NewPhase0Block(slot, 0, types.Root{1})
	return &types.SignedBeaconBlock{Message: *blk}
}

func batch(t *testing.T, start types.Slot, count uint64, slots ...types.Slot) *Batch {
	t.Helper()
	b := &Batch{Start: start, Count: count}
	for _, s := range slots {
		b.Blocks = append(b.Blocks, block(t, s))
	}
	return b
}

func TestForwardContiguousHandout(t *testing.T) {
	q := NewQueue(ModeForward, 0)

	// Arrivals out of order: the second chunk lands first.
	if err := q.Push(batch(t, 64, 64, 64, 100)); err != nil {
		t.Fatalf("push later batch: %v", err)
	}
	if got := q.Pop(); got != nil {
		t.Fatal("queue handed out a batch across a gap")
	}
	if err := q.Push(batch(t, 0, 64, 1, 2, 63)); err != nil {
		t.Fatalf("push first batch: %v", err)
	}

	first := q.Pop()
	if first == nil || first.Start != 0 {
		t.Fatalf("first pop = %+v, want batch at 0", first)
	}
	second := q.Pop()
	if second == nil || second.Start != 64 {
		t.Fatalf("second pop = %+v, want batch at 64", second)
	}
	if q.Next() != 128 {
		t.Errorf("cursor = %d, want 128", q.Next())
	}
}

func TestBatchValidation(t *testing.T) {
	q := NewQueue(ModeForward, 0)

	// Block outside the declared range.
	if err := q.Push(batch(t, 0, 64, 70)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("out-of-range block = %v, want ErrOutOfOrder", err)
	}
	// Descending slots inside a batch.
	if err := q.Push(batch(t, 0, 64, 10, 5)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("descending batch = %v, want ErrOutOfOrder", err)
	}
	// Batch behind the cursor after progress.
	if err := q.Push(batch(t, 0, 64, 1)); err != nil {
		t.Fatalf("push: %v", err)
	}
	q.Pop()
	if err := q.Push(batch(t, 0, 64, 1)); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("stale batch = %v, want ErrOutOfOrder", err)
	}
}

func TestRewind(t *testing.T) {
	q := NewQueue(ModeForward, 0)
	if err := q.Push(batch(t, 0, 64, 1)); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push(batch(t, 64, 64, 65)); err != nil {
		t.Fatalf("push: %v", err)
	}
	q.Pop()

	q.Rewind(32)
	if q.Next() != 32 {
		t.Errorf("cursor after rewind = %d, want 32", q.Next())
	}
	if q.PendingCount() != 0 {
		t.Error("rewind kept buffered batches")
	}
	// The window re-downloads from the rewound cursor.
	if err := q.Push(batch(t, 32, 64, 40)); err != nil {
		t.Errorf("push after rewind: %v", err)
	}
}

func TestBackwardHandout(t *testing.T) {
	// Backfilling from slot 127 toward genesis in two chunks.
	q := NewQueue(ModeBackward, 127)

	if err := q.Push(batch(t, 64, 64, 64, 127)); err != nil {
		t.Fatalf("push top chunk: %v", err)
	}
	top := q.Pop()
	if top == nil || top.Start != 64 {
		t.Fatalf("pop = %+v, want chunk starting at 64", top)
	}
	if q.Next() != 63 {
		t.Errorf("cursor = %d, want 63", q.Next())
	}
	if err := q.Push(batch(t, 0, 64, 0, 63)); err != nil {
		t.Fatalf("push next chunk: %v", err)
	}
	if got := q.Pop(); got == nil || got.Start != 0 {
		t.Fatalf("pop = %+v, want chunk starting at 0", got)
	}
}

func TestEmptyBatchAdvancesWindow(t *testing.T) {
	q := NewQueue(ModeForward, 0)
	// A peer may legitimately have no blocks in the range (skipped slots).
	if err := q.Push(batch(t, 0, 64)); err != nil {
		t.Fatalf("push empty batch: %v", err)
	}
	if got := q.Pop(); got == nil {
		t.Fatal("empty batch not handed out")
	}
	if q.Next() != 64 {
		t.Errorf("cursor = %d, want 64", q.Next())
	}
}
