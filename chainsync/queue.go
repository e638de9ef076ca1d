// Package chainsync downloads block ranges to move the chain head forward
// (head-ward sync) or to backfill history toward genesis (backward sync).
package chainsync

import (
	"errors"
	"fmt"

	"github.com/veldtlabs/veldt/types"
)

// Mode selects the sync direction.
type Mode int

const (
	ModeForward  Mode = iota // toward the network head
	ModeBackward             // toward genesis / the weak-subjectivity checkpoint
)

// ErrOutOfOrder is returned when a batch violates the window ordering; the
// caller rewinds to the last contiguous slot.
var ErrOutOfOrder = errors.New("batch out of order")

// Batch is one response to a by-range request.
type Batch struct {
	Start  types.Slot
	Count  uint64
	Blocks []*types.SignedBeaconBlock
}

// end returns the first slot after the batch's range.
func (b *Batch) end() types.Slot { return b.Start.Add(b.Count) }

// validate checks that blocks fall inside the declared range in ascending
// slot order.
func (b *Batch) validate() error {
	prev := types.Slot(0)
	first := true
	for _, sb := range b.Blocks {
		slot := sb.Message.Slot
		if slot < b.Start || slot >= b.end() {
			return fmt.Errorf("%w: slot %d outside [%d, %d)", ErrOutOfOrder, slot, b.Start, b.end())
		}
		if !first && slot <= prev {
			return fmt.Errorf("%w: slot %d after %d", ErrOutOfOrder, slot, prev)
		}
		prev, first = slot, false
	}
	return nil
}

// Queue orders completed batches by start slot and hands them out strictly
// contiguously. Out-of-order arrivals are buffered until the gap fills.
type Queue struct {
	mode    Mode
	next    types.Slot // start slot of the next batch to hand out
	pending map[types.Slot]*Batch
}

func NewQueue(mode Mode, start types.Slot) *Queue {
	return &Queue{mode: mode, next: start, pending: make(map[types.Slot]*Batch)}
}

// Next returns the start slot the queue is waiting on.
func (q *Queue) Next() types.Slot { return q.next }

// key orders a batch in the queue: its start slot going forward, its top
// slot going backward.
func (q *Queue) key(b *Batch) types.Slot {
	if q.mode == ModeForward {
		return b.Start
	}
	return b.end().SubSat(1)
}

// Push buffers a completed batch. A batch behind the handout cursor or
// duplicating a buffered one violates ordering.
func (q *Queue) Push(b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	key := q.key(b)
	if q.mode == ModeForward && key < q.next {
		return fmt.Errorf("%w: batch start %d behind cursor %d", ErrOutOfOrder, key, q.next)
	}
	if q.mode == ModeBackward && key > q.next {
		return fmt.Errorf("%w: batch top %d ahead of backward cursor %d", ErrOutOfOrder, key, q.next)
	}
	if _, dup := q.pending[key]; dup {
		return fmt.Errorf("%w: duplicate batch at %d", ErrOutOfOrder, key)
	}
	q.pending[key] = b
	return nil
}

// Pop returns the next contiguous batch, or nil while the gap is open.
func (q *Queue) Pop() *Batch {
	b, ok := q.pending[q.next]
	if !ok {
		return nil
	}
	delete(q.pending, q.next)
	if q.mode == ModeForward {
		q.next = b.end()
	} else {
		q.next = q.next.SubSat(b.Count)
	}
	return b
}

// Rewind discards everything buffered and moves the cursor back to the last
// contiguous slot. Used when a processed batch turns out to contain a gap.
func (q *Queue) Rewind(to types.Slot) {
	q.pending = make(map[types.Slot]*Batch)
	q.next = to
}

// PendingCount returns the number of buffered batches.
func (q *Queue) PendingCount() int { return len(q.pending) }
