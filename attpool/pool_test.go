package attpool

import (
	"testing"

	"github.com/prysmaticlabs/go-bitfield"

	"github.com/veldtlabs/veldt/crypto/bls"
	"github.com/veldtlabs/veldt/transition"
	"github.com/veldtlabs/veldt/types"
)

// signedAtt builds an attestation over the committee bit range [from, to]
// signed by one key.
func signedAtt(t *testing.T, sk *bls.SecretKey, data types.AttestationData, committeeSize uint64, from, to uint64) *types.Attestation {
	t.Helper()
	bits := bitfield.NewBitlist(committeeSize)
	for i := from; i <= to; i++ {
		bits.SetBitAt(i, true)
	}
	dataRoot, err := data.HashTreeRoot()
	if err != nil {
		t.Fatalf("hash attestation data: %v", err)
	}
	signing := transition.SigningRoot(dataRoot, transition.DomainBeaconAttester, types.Phase0, types.Root{})
	return &types.Attestation{
		AggregationBits: bits,
		Data:            data,
		Signature:       sk.Sign(signing),
	}
}

func TestDisjointAggregation(t *testing.T) {
	pool := New()
	data := types.AttestationData{
		Slot:            10,
		CommitteeIndex:  1,
		BeaconBlockRoot: types.Root{0xab},
		Target:          types.Checkpoint{Epoch: 0, Root: types.Root{0xab}},
	}

	keys := []*bls.SecretKey{bls.GenerateKey(), bls.GenerateKey(), bls.GenerateKey()}
	ranges := [][2]uint64{{0, 41}, {42, 83}, {84, 127}}
	for i, r := range ranges {
		if err := pool.Add(signedAtt(t, keys[i], data, 128, r[0], r[1])); err != nil {
			t.Fatalf("Add range %v: %v", r, err)
		}
	}

	if pool.Len() != 1 {
		t.Fatalf("pool holds %d aggregates, want 1 merged", pool.Len())
	}
	aggs := pool.ForBlock(11, 16)
	if len(aggs) != 1 {
		t.Fatalf("ForBlock = %d aggregates, want 1", len(aggs))
	}
	if got := aggs[0].AggregationBits.Count(); got != 128 {
		t.Errorf("coverage = %d bits, want 128", got)
	}

	// The combined signature verifies against all three signers.
	dataRoot, _ := data.HashTreeRoot()
	signing := transition.SigningRoot(dataRoot, transition.DomainBeaconAttester, types.Phase0, types.Root{})
	pubs := []types.Pubkey{keys[0].Public(), keys[1].Public(), keys[2].Public()}
	if !bls.FastAggregateVerify(pubs, signing, aggs[0].Signature) {
		t.Error("combined signature does not verify")
	}
}

func TestDuplicateIdempotent(t *testing.T) {
	pool := New()
	data := types.AttestationData{Slot: 3, CommitteeIndex: 0}
	sk := bls.GenerateKey()
	att := signedAtt(t, sk, data, 8, 0, 3)

	if err := pool.Add(att); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := pool.Add(att); err != nil {
		t.Fatalf("duplicate Add: %v", err)
	}
	if pool.Len() != 1 {
		t.Errorf("pool holds %d aggregates after duplicate, want 1", pool.Len())
	}
}

func TestOverlapKeepsLargerCoverage(t *testing.T) {
	pool := New()
	data := types.AttestationData{Slot: 3, CommitteeIndex: 0}
	a := signedAtt(t, bls.GenerateKey(), data, 16, 0, 9)
	b := signedAtt(t, bls.GenerateKey(), data, 16, 5, 12) // overlaps a

	if err := pool.Add(a); err != nil {
		t.Fatalf("Add a: %v", err)
	}
	if err := pool.Add(b); err != nil {
		t.Fatalf("Add b: %v", err)
	}
	// Conflicting overlap: both retained, block packing prefers the larger.
	aggs := pool.ForBlock(4, 1)
	if len(aggs) != 1 {
		t.Fatalf("ForBlock = %d, want 1", len(aggs))
	}
	if got := aggs[0].AggregationBits.Count(); got != 10 {
		t.Errorf("selected coverage = %d, want larger aggregate (10)", got)
	}
}

func TestInclusionWindow(t *testing.T) {
	pool := New()
	sk := bls.GenerateKey()
	for _, slot := range []types.Slot{1, 40, 70} {
		data := types.AttestationData{Slot: slot, CommitteeIndex: 0}
		if err := pool.Add(signedAtt(t, sk, data, 8, 0, 0)); err != nil {
			t.Fatalf("Add slot %d: %v", slot, err)
		}
	}

	// At slot 72 only slots 40 and 70 are in [40, 71].
	aggs := pool.ForBlock(72, 16)
	if len(aggs) != 2 {
		t.Fatalf("ForBlock = %d aggregates, want 2 in window", len(aggs))
	}
	for _, a := range aggs {
		if a.Data.Slot == 1 {
			t.Error("attestation outside the inclusion window was packed")
		}
	}

	pool.PruneBefore(41)
	if pool.Len() != 1 {
		t.Errorf("Len after prune = %d, want 1", pool.Len())
	}
}
