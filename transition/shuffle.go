package transition

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/veldtlabs/veldt/types"
)

// Swap-or-not shuffle. The permutation must be bit-exact across
// implementations: committee assignments derive from it and disagreement is
// a consensus split.

const shuffleRounds = 90

// PermutedIndex maps an index through the seeded permutation over listSize
// elements.
func PermutedIndex(index, listSize uint64, seed types.Root) uint64 {
	if listSize <= 1 {
		return index
	}
	buf := make([]byte, 32+1+4)
	copy(buf, seed[:])
	for round := uint8(0); round < shuffleRounds; round++ {
		buf[32] = round
		pivotHash := sha256.Sum256(buf[:33])
		pivot := binary.LittleEndian.Uint64(pivotHash[:8]) % listSize

		flip := (pivot + listSize - index) % listSize
		position := index
		if flip > position {
			position = flip
		}

		binary.LittleEndian.PutUint32(buf[33:], uint32(position/256))
		source := sha256.Sum256(buf)
		byteV := source[(position%256)/8]
		if (byteV>>(position%8))&1 == 1 {
			index = flip
		}
	}
	return index
}

// ShuffleList returns the full seeded permutation of 0..n-1.
func ShuffleList(n uint64, seed types.Root) []uint64 {
	out := make([]uint64, n)
	for i := uint64(0); i < n; i++ {
		out[PermutedIndex(i, n, seed)] = i
	}
	return out
}
