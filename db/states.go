package db

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/veldtlabs/veldt/types"
)

// Split state storage. A typical state is dominated by validator pubkeys and
// withdrawal credentials, both immutable after the deposit. Those live once
// in the append-only immutable_validators table; the per-state record keeps
// only the mutable validator fields and references the table positionally.

const (
	immutableValidatorSize = 48 + 32
	mutableValidatorSize   = 8 + 1 + 8*4
)

func encodeImmutableValidator(v types.ImmutableValidator) []byte {
	out := make([]byte, 0, immutableValidatorSize)
	out = append(out, v.Pubkey[:]...)
	out = append(out, v.WithdrawalCredentials[:]...)
	return out
}

func decodeImmutableValidator(raw []byte) (types.ImmutableValidator, error) {
	if len(raw) != immutableValidatorSize {
		return types.ImmutableValidator{}, fmt.Errorf("%w: immutable validator length %d", ErrCorrupted, len(raw))
	}
	var v types.ImmutableValidator
	copy(v.Pubkey[:], raw[:48])
	copy(v.WithdrawalCredentials[:], raw[48:])
	return v, nil
}

func encodeMutableValidator(out []byte, v *types.Validator) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v.EffectiveBalance))
	out = append(out, b[:]...)
	if v.Slashed {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	for _, e := range []types.Epoch{v.ActivationEligibilityEpoch, v.ActivationEpoch, v.ExitEpoch, v.WithdrawableEpoch} {
		binary.LittleEndian.PutUint64(b[:], uint64(e))
		out = append(out, b[:]...)
	}
	return out
}

func decodeMutableValidator(raw []byte, v *types.Validator) {
	v.EffectiveBalance = types.Gwei(binary.LittleEndian.Uint64(raw[:8]))
	v.Slashed = raw[8] != 0
	v.ActivationEligibilityEpoch = types.Epoch(binary.LittleEndian.Uint64(raw[9:17]))
	v.ActivationEpoch = types.Epoch(binary.LittleEndian.Uint64(raw[17:25]))
	v.ExitEpoch = types.Epoch(binary.LittleEndian.Uint64(raw[25:33]))
	v.WithdrawableEpoch = types.Epoch(binary.LittleEndian.Uint64(raw[33:41]))
}

// immutableValidatorCount reads the append-only table's length pointer.
func (d *DB) immutableValidatorCount() (uint64, error) {
	val, err := d.get(keyImmutableValidators)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("%w: validator count length %d", ErrCorrupted, len(val))
	}
	return binary.LittleEndian.Uint64(val), nil
}

// PutState persists a state in the split layout: mutable fields keyed by
// state root, new immutable validator records appended, and a state_roots
// entry for slot-ordered lookup. All writes commit in one transaction.
func (d *DB) PutState(blockRoot types.Root, state *types.BeaconState) (types.Root, error) {
	stateRoot, err := state.HashTreeRoot()
	if err != nil {
		return types.Root{}, fmt.Errorf("hash state: %w", err)
	}

	known, err := d.immutableValidatorCount()
	if err != nil {
		return types.Root{}, err
	}

	// Strip immutable fields: the whole state is marshalled once with zeroed
	// pubkeys/credentials, so one codec serves both the full and stored form.
	stripped := state.Copy()
	for i := range stripped.Validators {
		stripped.Validators[i].Pubkey = types.Pubkey{}
		stripped.Validators[i].WithdrawalCredentials = types.Root{}
	}
	raw, err := stripped.MarshalSSZ()
	if err != nil {
		return types.Root{}, fmt.Errorf("marshal state: %w", err)
	}

	err = d.WithManyWrites(func(txn *Txn) error {
		for i := known; i < uint64(len(state.Validators)); i++ {
			rec := encodeImmutableValidator(state.Validators[i].Immutable())
			if err := txn.set(immutableValidatorKey(types.ValidatorIndex(i)), rec); err != nil {
				return err
			}
		}
		if uint64(len(state.Validators)) > known {
			var cnt [8]byte
			binary.LittleEndian.PutUint64(cnt[:], uint64(len(state.Validators)))
			if err := txn.set(keyImmutableValidators, cnt[:]); err != nil {
				return err
			}
		}
		if err := txn.set(stateKey(state.Fork, stateRoot), compressState(raw)); err != nil {
			return err
		}
		return txn.set(stateRootKey(state.Slot, blockRoot), stateRoot[:])
	})
	if err != nil {
		return types.Root{}, err
	}
	return stateRoot, nil
}

// State loads a state by its root, rejoining the immutable validator table.
// Falls back to the legacy v0 snapshot layout when the split record is
// absent.
func (d *DB) State(stateRoot types.Root) (*types.BeaconState, error) {
	for _, fork := range []types.Fork{types.Bellatrix, types.Altair, types.Phase0} {
		val, err := d.get(stateKey(fork, stateRoot))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		raw, err := decompressState(val)
		if err != nil {
			return nil, err
		}
		var state types.BeaconState
		if err := state.UnmarshalSSZ(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		for i := range state.Validators {
			rec, err := d.get(immutableValidatorKey(types.ValidatorIndex(i)))
			if err != nil {
				return nil, fmt.Errorf("immutable validator %d: %w", i, err)
			}
			iv, err := decodeImmutableValidator(rec)
			if err != nil {
				return nil, err
			}
			state.Validators[i].Pubkey = iv.Pubkey
			state.Validators[i].WithdrawalCredentials = iv.WithdrawalCredentials
		}
		return &state, nil
	}
	return d.stateFromSnapshot(stateRoot)
}

// stateFromSnapshot reads the legacy v0 full-state record. Kept as a read
// path for one release cycle; nothing writes this layout anymore.
func (d *DB) stateFromSnapshot(stateRoot types.Root) (*types.BeaconState, error) {
	val, err := d.get(snapshotKey(stateRoot))
	if err != nil {
		return nil, err
	}
	raw, err := decompressState(val)
	if err != nil {
		return nil, err
	}
	var state types.BeaconState
	if err := state.UnmarshalSSZ(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &state, nil
}

func (d *DB) ContainsState(stateRoot types.Root) bool {
	for _, fork := range []types.Fork{types.Bellatrix, types.Altair, types.Phase0} {
		if d.has(stateKey(fork, stateRoot)) {
			return true
		}
	}
	return d.has(snapshotKey(stateRoot))
}

// --- state diffs ---

// StateDiff captures the mutable delta of a state against the prior
// epoch-boundary state. The store can persist and load diffs; nothing in this
// package applies a diff to its base state.
type StateDiff struct {
	BaseRoot          types.Root
	Slot              types.Slot
	Balances          []types.Gwei
	AppendedVals      []types.Validator
	JustificationBits uint8
	CurrentJustified  types.Checkpoint
	Finalized         types.Checkpoint
}

func (sd *StateDiff) encode() []byte {
	out := make([]byte, 0, 64+len(sd.Balances)*8)
	out = append(out, sd.BaseRoot[:]...)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(sd.Slot))
	out = append(out, b[:]...)
	binary.LittleEndian.PutUint64(b[:], uint64(len(sd.Balances)))
	out = append(out, b[:]...)
	for _, bal := range sd.Balances {
		binary.LittleEndian.PutUint64(b[:], uint64(bal))
		out = append(out, b[:]...)
	}
	binary.LittleEndian.PutUint64(b[:], uint64(len(sd.AppendedVals)))
	out = append(out, b[:]...)
	for i := range sd.AppendedVals {
		v := &sd.AppendedVals[i]
		out = append(out, encodeImmutableValidator(v.Immutable())...)
		out = encodeMutableValidator(out, v)
	}
	out = append(out, sd.JustificationBits)
	binary.LittleEndian.PutUint64(b[:], uint64(sd.CurrentJustified.Epoch))
	out = append(out, b[:]...)
	out = append(out, sd.CurrentJustified.Root[:]...)
	binary.LittleEndian.PutUint64(b[:], uint64(sd.Finalized.Epoch))
	out = append(out, b[:]...)
	out = append(out, sd.Finalized.Root[:]...)
	return out
}

func decodeStateDiff(raw []byte) (*StateDiff, error) {
	sd := &StateDiff{}
	need := func(n int) bool { return len(raw) >= n }
	if !need(48) {
		return nil, fmt.Errorf("%w: short state diff", ErrCorrupted)
	}
	copy(sd.BaseRoot[:], raw[:32])
	raw = raw[32:]
	sd.Slot = types.Slot(binary.LittleEndian.Uint64(raw))
	raw = raw[8:]
	n := binary.LittleEndian.Uint64(raw)
	raw = raw[8:]
	if uint64(len(raw)) < n*8 {
		return nil, fmt.Errorf("%w: short balance list", ErrCorrupted)
	}
	for i := uint64(0); i < n; i++ {
		sd.Balances = append(sd.Balances, types.Gwei(binary.LittleEndian.Uint64(raw[i*8:])))
	}
	raw = raw[n*8:]
	if !need(8) {
		return nil, fmt.Errorf("%w: short validator list", ErrCorrupted)
	}
	vn := binary.LittleEndian.Uint64(raw)
	raw = raw[8:]
	rec := immutableValidatorSize + mutableValidatorSize
	if uint64(len(raw)) < vn*uint64(rec) {
		return nil, fmt.Errorf("%w: short validator records", ErrCorrupted)
	}
	for i := uint64(0); i < vn; i++ {
		chunk := raw[i*uint64(rec):]
		iv, err := decodeImmutableValidator(chunk[:immutableValidatorSize])
		if err != nil {
			return nil, err
		}
		var v types.Validator
		v.Pubkey = iv.Pubkey
		v.WithdrawalCredentials = iv.WithdrawalCredentials
		decodeMutableValidator(chunk[immutableValidatorSize:rec], &v)
		sd.AppendedVals = append(sd.AppendedVals, v)
	}
	raw = raw[vn*uint64(rec):]
	if len(raw) != 1+2*(8+32) {
		return nil, fmt.Errorf("%w: short diff tail", ErrCorrupted)
	}
	sd.JustificationBits = raw[0]
	raw = raw[1:]
	sd.CurrentJustified.Epoch = types.Epoch(binary.LittleEndian.Uint64(raw))
	copy(sd.CurrentJustified.Root[:], raw[8:40])
	raw = raw[40:]
	sd.Finalized.Epoch = types.Epoch(binary.LittleEndian.Uint64(raw))
	copy(sd.Finalized.Root[:], raw[8:40])
	return sd, nil
}

func (d *DB) PutStateDiff(stateRoot types.Root, diff *StateDiff) error {
	return d.setSync(stateDiffKey(stateRoot), compressState(diff.encode()))
}

func (d *DB) StateDiff(stateRoot types.Root) (*StateDiff, error) {
	val, err := d.get(stateDiffKey(stateRoot))
	if err != nil {
		return nil, err
	}
	raw, err := decompressState(val)
	if err != nil {
		return nil, err
	}
	return decodeStateDiff(raw)
}
