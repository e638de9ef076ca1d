// Package validator computes duties for local validator keys, produces
// blocks, attestations and sync messages at their deadlines, and enforces
// slashing protection ahead of every block and attestation signature.
package validator

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/veldtlabs/veldt/types"
)

// Slashing protection is authoritative and written before any signature is
// emitted: a record that cannot be made durable blocks the signature.

var (
	// ErrSlashableProposal is returned for a proposal at or below the last
	// signed block slot.
	ErrSlashableProposal = errors.New("slashable proposal refused")
	// ErrSlashableAttestation is returned for a double vote or a vote that
	// surrounds / is surrounded by an existing one.
	ErrSlashableAttestation = errors.New("slashable attestation refused")
)

// record is the per-validator protection state.
type record struct {
	lastBlockSlot   types.Slot
	lastSourceEpoch types.Epoch
	lastTargetEpoch types.Epoch
	hasAttestation  bool
	hasProposal     bool
}

func (r *record) encode() []byte {
	out := make([]byte, 26)
	binary.LittleEndian.PutUint64(out[0:8], uint64(r.lastBlockSlot))
	binary.LittleEndian.PutUint64(out[8:16], uint64(r.lastSourceEpoch))
	binary.LittleEndian.PutUint64(out[16:24], uint64(r.lastTargetEpoch))
	if r.hasAttestation {
		out[24] = 1
	}
	if r.hasProposal {
		out[25] = 1
	}
	return out
}

func decodeRecord(raw []byte) (*record, error) {
	if len(raw) != 26 {
		return nil, fmt.Errorf("protection record length %d", len(raw))
	}
	return &record{
		lastBlockSlot:   types.Slot(binary.LittleEndian.Uint64(raw[0:8])),
		lastSourceEpoch: types.Epoch(binary.LittleEndian.Uint64(raw[8:16])),
		lastTargetEpoch: types.Epoch(binary.LittleEndian.Uint64(raw[16:24])),
		hasAttestation:  raw[24] != 0,
		hasProposal:     raw[25] != 0,
	}, nil
}

// Protection is the slashing-protection store, separate from the chain
// database so validator keys can move hosts with their history.
type Protection struct {
	pdb *pebble.DB
}

func OpenProtection(dir string) (*Protection, error) {
	pdb, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open protection db: %w", err)
	}
	return &Protection{pdb: pdb}, nil
}

func (p *Protection) Close() error { return p.pdb.Close() }

func (p *Protection) load(pub types.Pubkey) (*record, error) {
	val, closer, err := p.pdb.Get(pub[:])
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return &record{}, nil
		}
		return nil, err
	}
	defer closer.Close()
	return decodeRecord(val)
}

// store writes synchronously; the signature may only be produced after this
// returns.
func (p *Protection) store(pub types.Pubkey, r *record) error {
	return p.pdb.Set(pub[:], r.encode(), pebble.Sync)
}

// CheckAndRecordProposal refuses a proposal at or below the last signed
// slot, and otherwise durably records the new slot before returning.
func (p *Protection) CheckAndRecordProposal(pub types.Pubkey, slot types.Slot) error {
	r, err := p.load(pub)
	if err != nil {
		return err
	}
	if r.hasProposal && slot <= r.lastBlockSlot {
		return fmt.Errorf("%w: slot %d <= last signed %d", ErrSlashableProposal, slot, r.lastBlockSlot)
	}
	r.lastBlockSlot = slot
	r.hasProposal = true
	return p.store(pub, r)
}

// CheckAndRecordAttestation refuses double votes and surround votes in
// either direction, and otherwise durably records the new pair.
func (p *Protection) CheckAndRecordAttestation(pub types.Pubkey, source, target types.Epoch) error {
	if source > target {
		return fmt.Errorf("%w: source %d beyond target %d", ErrSlashableAttestation, source, target)
	}
	r, err := p.load(pub)
	if err != nil {
		return err
	}
	if r.hasAttestation {
		switch {
		case target == r.lastTargetEpoch:
			return fmt.Errorf("%w: double vote at target %d", ErrSlashableAttestation, target)
		case target < r.lastTargetEpoch:
			return fmt.Errorf("%w: target %d regresses %d", ErrSlashableAttestation, target, r.lastTargetEpoch)
		case source < r.lastSourceEpoch:
			return fmt.Errorf("%w: vote (%d, %d) surrounds (%d, %d)",
				ErrSlashableAttestation, source, target, r.lastSourceEpoch, r.lastTargetEpoch)
		}
		// source > lastSource with target < lastTarget is covered by the
		// regression case above: the store only moves forward.
	}
	r.lastSourceEpoch = source
	r.lastTargetEpoch = target
	r.hasAttestation = true
	return p.store(pub, r)
}
