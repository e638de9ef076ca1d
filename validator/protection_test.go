package validator

import (
	"errors"
	"testing"

	"github.com/veldtlabs/veldt/types"
)

func openTestProtection(t *testing.T) *Protection {
	t.Helper()
	p, err := OpenProtection(t.TempDir())
	if err != nil {
		t.Fatalf("OpenProtection: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func pub(b byte) types.Pubkey {
	var pk types.Pubkey
	pk[0] = b
	return pk
}

func TestProposalMonotonic(t *testing.T) {
	p := openTestProtection(t)
	pk := pub(1)

	if err := p.CheckAndRecordProposal(pk, 10); err != nil {
		t.Fatalf("first proposal: %v", err)
	}
	if err := p.CheckAndRecordProposal(pk, 11); err != nil {
		t.Fatalf("next proposal: %v", err)
	}
	// Same slot and earlier slots are refused.
	if err := p.CheckAndRecordProposal(pk, 11); !errors.Is(err, ErrSlashableProposal) {
		t.Errorf("double proposal = %v, want ErrSlashableProposal", err)
	}
	if err := p.CheckAndRecordProposal(pk, 5); !errors.Is(err, ErrSlashableProposal) {
		t.Errorf("past proposal = %v, want ErrSlashableProposal", err)
	}
}

func TestSurroundedVoteRefused(t *testing.T) {
	p := openTestProtection(t)
	pk := pub(2)

	// Prior attestation (source=3, target=7).
	if err := p.CheckAndRecordAttestation(pk, 3, 7); err != nil {
		t.Fatalf("prior attestation: %v", err)
	}
	// A duty at (source=4, target=6) is surrounded by the prior vote.
	if err := p.CheckAndRecordAttestation(pk, 4, 6); !errors.Is(err, ErrSlashableAttestation) {
		t.Fatalf("surrounded vote = %v, want ErrSlashableAttestation", err)
	}
	// The store is unchanged: the recorded pair still wins.
	if err := p.CheckAndRecordAttestation(pk, 3, 7); !errors.Is(err, ErrSlashableAttestation) {
		t.Error("store changed after refused vote: double vote not detected")
	}
	// A later non-conflicting vote is accepted.
	if err := p.CheckAndRecordAttestation(pk, 7, 8); err != nil {
		t.Errorf("forward vote after refusal: %v", err)
	}
}

func TestSurroundingVoteRefused(t *testing.T) {
	p := openTestProtection(t)
	pk := pub(3)

	if err := p.CheckAndRecordAttestation(pk, 3, 4); err != nil {
		t.Fatalf("prior attestation: %v", err)
	}
	// (2, 8) surrounds (3, 4).
	if err := p.CheckAndRecordAttestation(pk, 2, 8); !errors.Is(err, ErrSlashableAttestation) {
		t.Errorf("surrounding vote = %v, want ErrSlashableAttestation", err)
	}
}

func TestDoubleVoteRefused(t *testing.T) {
	p := openTestProtection(t)
	pk := pub(4)

	if err := p.CheckAndRecordAttestation(pk, 1, 2); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if err := p.CheckAndRecordAttestation(pk, 1, 2); !errors.Is(err, ErrSlashableAttestation) {
		t.Errorf("double vote = %v, want ErrSlashableAttestation", err)
	}
}

func TestProtectionSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenProtection(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pk := pub(5)
	if err := p.CheckAndRecordProposal(pk, 42); err != nil {
		t.Fatalf("record: %v", err)
	}
	p.Close()

	p2, err := OpenProtection(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	if err := p2.CheckAndRecordProposal(pk, 42); !errors.Is(err, ErrSlashableProposal) {
		t.Error("protection history lost across restart")
	}
}

func TestPerValidatorIsolation(t *testing.T) {
	p := openTestProtection(t)
	if err := p.CheckAndRecordProposal(pub(6), 10); err != nil {
		t.Fatalf("validator a: %v", err)
	}
	if err := p.CheckAndRecordProposal(pub(7), 10); err != nil {
		t.Errorf("validator b blocked by a's history: %v", err)
	}
}
