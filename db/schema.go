// Package db implements the crash-consistent chain database on a single
// embedded pebble store. Logical tables are carved out of the key space by a
// one-byte prefix; forked tables add the fork byte after the prefix.
package db

import (
	"encoding/binary"

	"github.com/veldtlabs/veldt/types"
)

// Table prefixes. Append-only: never renumber, migrations depend on them.
const (
	prefixKeyValues          byte = 0x00
	prefixBlocks             byte = 0x01 // + fork byte + root
	prefixStateNoValidators  byte = 0x02 // + fork byte + state root
	prefixImmutableValidator byte = 0x03 // + index (8 bytes BE)
	prefixStateRoots         byte = 0x04 // + slot (8 bytes BE) + block root
	prefixStateDiffs         byte = 0x05 // + state root
	prefixSummaries          byte = 0x06 // + block root
	prefixFinalizedBlocks    byte = 0x07 // + slot (8 bytes BE)
	prefixStateSnapshots     byte = 0x08 // legacy v0 full states, read-only
)

// Fixed pointers in the key_values table.
var (
	keyHeadBlock           = kvKey("head")
	keyTailBlock           = kvKey("tail")
	keyGenesisBlock        = kvKey("genesis")
	keyDepositsCheckpoint  = kvKey("finalized-deposits")
	keySchemaVersion       = kvKey("schema-version")
	keyBlacklistReasons    = kvKey("peer-blacklist")
	keyImmutableValidators = kvKey("immutable-validator-count")
)

// schemaVersion is the current on-disk layout. Version 0 stored full state
// snapshots; version 1 splits immutable validator fields out. v0 records are
// read through for one release cycle; writes always target v1.
const schemaVersion uint64 = 1

func kvKey(name string) []byte {
	return append([]byte{prefixKeyValues}, name...)
}

func blockKey(fork types.Fork, root types.Root) []byte {
	k := make([]byte, 0, 34)
	k = append(k, prefixBlocks, byte(fork))
	return append(k, root[:]...)
}

func stateKey(fork types.Fork, stateRoot types.Root) []byte {
	k := make([]byte, 0, 34)
	k = append(k, prefixStateNoValidators, byte(fork))
	return append(k, stateRoot[:]...)
}

func immutableValidatorKey(index types.ValidatorIndex) []byte {
	k := make([]byte, 9)
	k[0] = prefixImmutableValidator
	binary.BigEndian.PutUint64(k[1:], uint64(index))
	return k
}

// stateRootKey orders entries by slot; big-endian so ascending scans walk
// the chain forward.
func stateRootKey(slot types.Slot, blockRoot types.Root) []byte {
	k := make([]byte, 0, 41)
	k = append(k, prefixStateRoots)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], uint64(slot))
	k = append(k, s[:]...)
	return append(k, blockRoot[:]...)
}

func stateDiffKey(stateRoot types.Root) []byte {
	return append([]byte{prefixStateDiffs}, stateRoot[:]...)
}

func summaryKey(root types.Root) []byte {
	return append([]byte{prefixSummaries}, root[:]...)
}

func finalizedBlockKey(slot types.Slot) []byte {
	k := make([]byte, 9)
	k[0] = prefixFinalizedBlocks
	binary.BigEndian.PutUint64(k[1:], uint64(slot))
	return k
}

func snapshotKey(stateRoot types.Root) []byte {
	return append([]byte{prefixStateSnapshots}, stateRoot[:]...)
}
