package db

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/veldtlabs/veldt/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testBlock(t *testing.T, fork types.Fork, slot types.Slot, parent types.Root) *types.SignedBeaconBlock {
	t.Helper()
	var blk *types.BeaconBlock
	switch fork {
	case types.Phase0:
		blk = types.NewPhase0Block(slot, 7, parent)
	case types.Altair:
		blk = types.NewAltairBlock(slot, 7, parent)
	default:
		blk = types.NewBellatrixBlock(slot, 7, parent)
	}
	blk.StateRoot = types.Root{0xaa}
	return &types.SignedBeaconBlock{Message: *blk}
}

func testState(t *testing.T, numValidators int) *types.BeaconState {
	t.Helper()
	state := &types.BeaconState{
		Fork:        types.Phase0,
		GenesisTime: 1_600_000_000,
		Slot:        5,
		RandaoMixes: make([]types.Root, 64),
		Slashings:   make([]types.Gwei, 64),
	}
	for i := 0; i < numValidators; i++ {
		var pk types.Pubkey
		pk[0] = byte(i)
		pk[1] = byte(i >> 8)
		state.Validators = append(state.Validators, types.Validator{
			Pubkey:           pk,
			EffectiveBalance: types.MaxEffectiveBalance,
			ExitEpoch:        types.FarFutureEpoch,
		})
		state.Balances = append(state.Balances, types.MaxEffectiveBalance)
	}
	return state
}

func TestBlockPutGetDel(t *testing.T) {
	d := openTestDB(t)

	for _, fork := range []types.Fork{types.Phase0, types.Altair, types.Bellatrix} {
		sb := testBlock(t, fork, 3, types.Root{1})
		root, err := sb.Message.HashTreeRoot()
		if err != nil {
			t.Fatalf("hash: %v", err)
		}

		if err := d.PutBlock(sb); err != nil {
			t.Fatalf("PutBlock(%s): %v", fork, err)
		}
		if !d.ContainsBlock(root) {
			t.Fatalf("ContainsBlock(%s) = false after put", fork)
		}

		got, err := d.Block(root)
		if err != nil {
			t.Fatalf("Block(%s): %v", fork, err)
		}
		gotRoot, _ := got.Message.HashTreeRoot()
		if gotRoot != root {
			t.Errorf("round-trip root mismatch for %s", fork)
		}
		if got.Message.Fork != fork {
			t.Errorf("fork = %s, want %s", got.Message.Fork, fork)
		}

		if err := d.DelBlock(root); err != nil {
			t.Fatalf("DelBlock: %v", err)
		}
		if d.ContainsBlock(root) {
			t.Error("ContainsBlock = true after delete")
		}
		if _, err := d.Block(root); !errors.Is(err, ErrNotFound) {
			t.Errorf("Block after delete = %v, want ErrNotFound", err)
		}

		// Summary survives deletion: it is a superset of the blocks table.
		if _, err := d.Summary(root); err != nil {
			t.Errorf("Summary after block delete: %v", err)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	d := openTestDB(t)
	state := testState(t, 8192)

	blockRoot := types.Root{0x42}
	stateRoot, err := d.PutState(blockRoot, state)
	if err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if !d.ContainsState(stateRoot) {
		t.Fatal("ContainsState = false after put")
	}

	got, err := d.State(stateRoot)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	gotRoot, err := got.HashTreeRoot()
	if err != nil {
		t.Fatalf("hash reloaded state: %v", err)
	}
	if gotRoot != stateRoot {
		t.Error("reloaded state root differs: immutable fields not rejoined correctly")
	}
	if got.Validators[100].Pubkey != state.Validators[100].Pubkey {
		t.Error("validator pubkey lost in split storage")
	}

	// The state_roots index resolves (slot, block root) to the state root.
	idx, err := d.StateRoot(state.Slot, blockRoot)
	if err != nil {
		t.Fatalf("StateRoot: %v", err)
	}
	if idx != stateRoot {
		t.Error("state_roots index mismatch")
	}
}

func TestLegacySnapshotReadThrough(t *testing.T) {
	d := openTestDB(t)
	state := testState(t, 16)
	stateRoot, err := state.HashTreeRoot()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// Simulate a v0 record: full state under the snapshot prefix.
	raw, err := state.MarshalSSZ()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := d.setSync(snapshotKey(stateRoot), compressState(raw)); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	got, err := d.State(stateRoot)
	if err != nil {
		t.Fatalf("State via snapshot fallback: %v", err)
	}
	gotRoot, _ := got.HashTreeRoot()
	if gotRoot != stateRoot {
		t.Error("snapshot read-through returned different state")
	}
}

func TestWithManyWritesRollback(t *testing.T) {
	d := openTestDB(t)
	sentinel := errors.New("boom")

	err := d.WithManyWrites(func(txn *Txn) error {
		if err := txn.set(kvKey("doomed"), []byte{1}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithManyWrites = %v, want sentinel", err)
	}
	if _, err := d.get(kvKey("doomed")); !errors.Is(err, ErrNotFound) {
		t.Error("write visible after rollback")
	}
}

func TestPointersAndFinalizedIndex(t *testing.T) {
	d := openTestDB(t)

	head := types.Root{1}
	if err := d.PutHeadRoot(head); err != nil {
		t.Fatalf("PutHeadRoot: %v", err)
	}
	got, err := d.HeadRoot()
	if err != nil || got != head {
		t.Fatalf("HeadRoot = %v, %v", got, err)
	}
	if _, err := d.TailRoot(); !errors.Is(err, ErrNotFound) {
		t.Errorf("TailRoot on empty db = %v, want ErrNotFound", err)
	}

	err = d.WithManyWrites(func(txn *Txn) error {
		for slot := types.Slot(0); slot < 5; slot++ {
			if err := d.PutFinalizedBlock(txn, slot, types.Root{byte(slot + 1)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("write finalized index: %v", err)
	}

	var slots []types.Slot
	if err := d.IterateFinalizedBlocks(func(slot types.Slot, root types.Root) bool {
		slots = append(slots, slot)
		return true
	}); err != nil {
		t.Fatalf("IterateFinalizedBlocks: %v", err)
	}
	if len(slots) != 5 {
		t.Fatalf("iterated %d entries, want 5", len(slots))
	}
	for i, s := range slots {
		if s != types.Slot(i) {
			t.Errorf("slot order: got %d at position %d", s, i)
		}
	}
}

func TestStateDiffRoundTrip(t *testing.T) {
	d := openTestDB(t)

	diff := &StateDiff{
		BaseRoot:          types.Root{9},
		Slot:              77,
		Balances:          []types.Gwei{1, 2, 3},
		AppendedVals:      []types.Validator{{EffectiveBalance: 5, ExitEpoch: types.FarFutureEpoch}},
		JustificationBits: 0b0110,
		CurrentJustified:  types.Checkpoint{Epoch: 2, Root: types.Root{2}},
		Finalized:         types.Checkpoint{Epoch: 1, Root: types.Root{1}},
	}
	root := types.Root{0x7d}
	if err := d.PutStateDiff(root, diff); err != nil {
		t.Fatalf("PutStateDiff: %v", err)
	}
	got, err := d.StateDiff(root)
	if err != nil {
		t.Fatalf("StateDiff: %v", err)
	}
	if got.BaseRoot != diff.BaseRoot || got.Slot != diff.Slot {
		t.Error("diff header mismatch")
	}
	if len(got.Balances) != 3 || got.Balances[2] != 3 {
		t.Error("diff balances mismatch")
	}
	if len(got.AppendedVals) != 1 || got.AppendedVals[0].ExitEpoch != types.FarFutureEpoch {
		t.Error("diff appended validators mismatch")
	}
	if !got.Finalized.Equal(diff.Finalized) {
		t.Error("diff finalized checkpoint mismatch")
	}
}

func TestSchemaVersionStamped(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d.Close()

	// Re-open: version matches, no migration.
	d2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	val, err := d2.get(keySchemaVersion)
	if err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if len(val) != 8 || binary.LittleEndian.Uint64(val) != schemaVersion {
		t.Errorf("schema version record = %x, want %d", val, schemaVersion)
	}
	d2.Close()
}
