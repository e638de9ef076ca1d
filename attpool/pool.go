// Package attpool aggregates attestations by (slot, committee) bucket and
// serves best-cover aggregates to the block producer.
package attpool

import (
	"fmt"
	"sort"

	"github.com/prysmaticlabs/go-bitfield"

	"github.com/veldtlabs/veldt/crypto/bls"
	"github.com/veldtlabs/veldt/types"
)

// InclusionWindow is how far back attestations remain packable:
// [slot-32, slot-1].
const InclusionWindow = types.SlotsPerEpoch

type bucketKey struct {
	slot      types.Slot
	committee types.CommitteeIndex
}

// aggregate is one non-conflicting signature aggregate within a bucket.
type aggregate struct {
	data bitfield.Bitlist
	att  types.Attestation
}

// Pool is owned by the event loop; no internal locking.
type Pool struct {
	buckets map[bucketKey][]*aggregate
}

func New() *Pool {
	return &Pool{buckets: make(map[bucketKey][]*aggregate)}
}

// Add records an attestation. Duplicates are idempotent; an attestation
// whose coverage is a subset of an existing aggregate is absorbed;
// disjoint coverage is signature-aggregated in.
func (p *Pool) Add(att *types.Attestation) error {
	key := bucketKey{slot: att.Data.Slot, committee: att.Data.CommitteeIndex}
	bucket := p.buckets[key]

	for _, agg := range bucket {
		if !agg.att.Data.Equal(att.Data) {
			continue
		}
		covered, err := agg.data.Contains(att.AggregationBits)
		if err != nil {
			return fmt.Errorf("compare aggregation bits: %w", err)
		}
		if covered {
			return nil // subset: nothing new
		}
		overlaps, err := agg.data.Overlaps(att.AggregationBits)
		if err != nil {
			return fmt.Errorf("compare aggregation bits: %w", err)
		}
		if overlaps {
			continue // conflicting partial overlap: keep both aggregates
		}
		// Disjoint: merge bits and aggregate the signatures.
		merged, err := agg.data.Or(att.AggregationBits)
		if err != nil {
			return fmt.Errorf("merge aggregation bits: %w", err)
		}
		sig, err := bls.Aggregate([]types.Signature{agg.att.Signature, att.Signature})
		if err != nil {
			return fmt.Errorf("aggregate signatures: %w", err)
		}
		agg.data = merged
		agg.att.AggregationBits = merged
		agg.att.Signature = sig
		return nil
	}

	bits := bitfield.Bitlist(append([]byte(nil), att.AggregationBits...))
	p.buckets[key] = append(bucket, &aggregate{
		data: bits,
		att: types.Attestation{
			AggregationBits: bits,
			Data:            att.Data,
			Signature:       att.Signature,
		},
	})
	return nil
}

// ForBlock returns up to limit aggregates for inclusion in a block at the
// given slot, best coverage first, restricted to the inclusion window.
func (p *Pool) ForBlock(slot types.Slot, limit int) []types.Attestation {
	var candidates []*aggregate
	for key, bucket := range p.buckets {
		if key.slot.Add(1) > slot || slot > key.slot.Add(uint64(InclusionWindow)) {
			continue
		}
		candidates = append(candidates, bucket...)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i].data.Count(), candidates[j].data.Count()
		if ci != cj {
			return ci > cj
		}
		return candidates[i].att.Data.Slot > candidates[j].att.Data.Slot
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]types.Attestation, len(candidates))
	for i, c := range candidates {
		out[i] = c.att
	}
	return out
}

// PruneBefore drops buckets older than the slot.
func (p *Pool) PruneBefore(slot types.Slot) {
	for key := range p.buckets {
		if key.slot < slot {
			delete(p.buckets, key)
		}
	}
}

// Len returns the number of live aggregates across all buckets.
func (p *Pool) Len() int {
	n := 0
	for _, bucket := range p.buckets {
		n += len(bucket)
	}
	return n
}
