package db

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"

	"github.com/veldtlabs/veldt/types"
)

var (
	// ErrNotFound signals an absent record. It is a normal condition, never
	// a failure: callers branch on it with errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrCorrupted signals an undecodable record. The enclosing transaction
	// is rolled back; repeated corruption aborts the process at a higher
	// layer.
	ErrCorrupted = errors.New("corrupted record")
)

// DB is the chain database. All mutation goes through pebble, which
// serializes writes internally; higher layers treat the database as the only
// shared mutable resource.
type DB struct {
	pdb    *pebble.DB
	logger *slog.Logger
}

// Open opens or creates the database under dir and applies any pending
// schema migration.
func Open(dir string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pdb, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	d := &DB{pdb: pdb, logger: logger}
	if err := d.migrate(); err != nil {
		pdb.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.pdb.Close()
}

// Txn collects writes that commit atomically.
type Txn struct {
	batch *pebble.Batch
}

func (t *Txn) set(key, val []byte) error {
	return t.batch.Set(key, val, nil)
}

func (t *Txn) delete(key []byte) error {
	return t.batch.Delete(key, nil)
}

// WithManyWrites runs body against a single transaction. A nil return
// commits; an error (or panic) rolls back and the error is propagated.
func (d *DB) WithManyWrites(body func(txn *Txn) error) error {
	batch := d.pdb.NewBatch()
	txn := &Txn{batch: batch}
	committed := false
	defer func() {
		if !committed {
			_ = batch.Close()
		}
	}()
	if err := body(txn); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (d *DB) get(key []byte) ([]byte, error) {
	val, closer, err := d.pdb.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get: %w", err)
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, fmt.Errorf("close value: %w", err)
	}
	return out, nil
}

func (d *DB) has(key []byte) bool {
	_, err := d.get(key)
	return err == nil
}

func (d *DB) setSync(key, val []byte) error {
	return d.pdb.Set(key, val, pebble.Sync)
}

// --- key_values pointers ---

func (d *DB) putRoot(key []byte, root types.Root) error {
	return d.setSync(key, root[:])
}

func (d *DB) getRoot(key []byte) (types.Root, error) {
	val, err := d.get(key)
	if err != nil {
		return types.Root{}, err
	}
	if len(val) != 32 {
		return types.Root{}, fmt.Errorf("%w: pointer length %d", ErrCorrupted, len(val))
	}
	var r types.Root
	copy(r[:], val)
	return r, nil
}

func (d *DB) PutHeadRoot(r types.Root) error    { return d.putRoot(keyHeadBlock, r) }
func (d *DB) HeadRoot() (types.Root, error)     { return d.getRoot(keyHeadBlock) }
func (d *DB) PutTailRoot(r types.Root) error    { return d.putRoot(keyTailBlock, r) }
func (d *DB) TailRoot() (types.Root, error)     { return d.getRoot(keyTailBlock) }
func (d *DB) PutGenesisRoot(r types.Root) error { return d.putRoot(keyGenesisBlock, r) }
func (d *DB) GenesisRoot() (types.Root, error)  { return d.getRoot(keyGenesisBlock) }

// PutDepositsCheckpoint records the finalized deposit-contract checkpoint.
func (d *DB) PutDepositsCheckpoint(blob []byte) error {
	return d.setSync(keyDepositsCheckpoint, blob)
}

func (d *DB) DepositsCheckpoint() ([]byte, error) {
	return d.get(keyDepositsCheckpoint)
}

// PutBlacklistReasons persists peer blacklist reasons across restarts. The
// in-memory "seen" table deliberately does not survive restart; the reasons
// do.
func (d *DB) PutBlacklistReasons(blob []byte) error {
	return d.setSync(keyBlacklistReasons, blob)
}

func (d *DB) BlacklistReasons() ([]byte, error) {
	return d.get(keyBlacklistReasons)
}

// --- blocks and summaries ---

// PutBlock stores a signed block together with its summary in one
// transaction. The summaries table is a superset of the blocks table: a
// summary may outlive its block after pruning.
func (d *DB) PutBlock(sb *types.SignedBeaconBlock) error {
	root, err := sb.Message.HashTreeRoot()
	if err != nil {
		return fmt.Errorf("hash block: %w", err)
	}
	raw, err := sb.MarshalSSZ()
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	compressed, err := compressBlock(sb.Message.Fork, raw)
	if err != nil {
		return err
	}
	summary := types.BlockSummary{Slot: sb.Message.Slot, ParentRoot: sb.Message.ParentRoot}
	sumRaw, err := summary.MarshalSSZ()
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return d.WithManyWrites(func(txn *Txn) error {
		if err := txn.set(blockKey(sb.Message.Fork, root), compressed); err != nil {
			return err
		}
		return txn.set(summaryKey(root), sumRaw)
	})
}

// Block loads a signed block by root, trying each fork table.
func (d *DB) Block(root types.Root) (*types.SignedBeaconBlock, error) {
	for _, fork := range []types.Fork{types.Bellatrix, types.Altair, types.Phase0} {
		val, err := d.get(blockKey(fork, root))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		raw, err := decompressBlock(fork, val)
		if err != nil {
			return nil, err
		}
		var sb types.SignedBeaconBlock
		if err := sb.UnmarshalSSZ(raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		return &sb, nil
	}
	return nil, ErrNotFound
}

func (d *DB) ContainsBlock(root types.Root) bool {
	for _, fork := range []types.Fork{types.Bellatrix, types.Altair, types.Phase0} {
		if d.has(blockKey(fork, root)) {
			return true
		}
	}
	return false
}

// DelBlock removes a block body. The summary stays; readers treat a summary
// without a body as prunable history, not corruption.
func (d *DB) DelBlock(root types.Root) error {
	return d.WithManyWrites(func(txn *Txn) error {
		for _, fork := range []types.Fork{types.Phase0, types.Altair, types.Bellatrix} {
			if err := txn.delete(blockKey(fork, root)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *DB) Summary(root types.Root) (types.BlockSummary, error) {
	val, err := d.get(summaryKey(root))
	if err != nil {
		return types.BlockSummary{}, err
	}
	var s types.BlockSummary
	if err := s.UnmarshalSSZ(val); err != nil {
		return types.BlockSummary{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return s, nil
}

// IterateSummaries calls fn for every stored summary. fn returning false
// stops the scan.
func (d *DB) IterateSummaries(fn func(root types.Root, s types.BlockSummary) bool) error {
	lower := []byte{prefixSummaries}
	upper := []byte{prefixSummaries + 1}
	iter, err := d.pdb.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("iterate summaries: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 33 {
			continue
		}
		var root types.Root
		copy(root[:], key[1:])
		var s types.BlockSummary
		if err := s.UnmarshalSSZ(iter.Value()); err != nil {
			d.logger.Warn("skipping corrupted summary", "root", root.Short(), "err", err)
			continue
		}
		if !fn(root, s) {
			break
		}
	}
	return iter.Error()
}

// --- state roots ---

func (d *DB) PutStateRoot(slot types.Slot, blockRoot, stateRoot types.Root) error {
	return d.setSync(stateRootKey(slot, blockRoot), stateRoot[:])
}

func (d *DB) StateRoot(slot types.Slot, blockRoot types.Root) (types.Root, error) {
	return d.getRoot(stateRootKey(slot, blockRoot))
}

// --- finalized block index ---

// PutFinalizedBlock records the canonical block for a finalized slot. The
// index is dense between tail and the finalized head.
func (d *DB) PutFinalizedBlock(txn *Txn, slot types.Slot, root types.Root) error {
	return txn.set(finalizedBlockKey(slot), root[:])
}

func (d *DB) FinalizedBlock(slot types.Slot) (types.Root, error) {
	return d.getRoot(finalizedBlockKey(slot))
}

// IterateFinalizedBlocks walks the finalized index in ascending slot order.
func (d *DB) IterateFinalizedBlocks(fn func(slot types.Slot, root types.Root) bool) error {
	lower := []byte{prefixFinalizedBlocks}
	upper := []byte{prefixFinalizedBlocks + 1}
	iter, err := d.pdb.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("iterate finalized: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 9 || len(iter.Value()) != 32 {
			continue
		}
		slot := types.Slot(bigEndianUint64(key[1:]))
		var root types.Root
		copy(root[:], iter.Value())
		if !fn(slot, root) {
			break
		}
	}
	return iter.Error()
}

func bigEndianUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
