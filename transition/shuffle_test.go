package transition

import (
	"testing"

	"github.com/veldtlabs/veldt/types"
)

func TestPermutedIndexIsPermutation(t *testing.T) {
	seed := types.Root{1, 2, 3}
	const n = 100
	seen := make(map[uint64]bool, n)
	for i := uint64(0); i < n; i++ {
		p := PermutedIndex(i, n, seed)
		if p >= n {
			t.Fatalf("PermutedIndex(%d) = %d, out of range", i, p)
		}
		if seen[p] {
			t.Fatalf("PermutedIndex collision at %d", p)
		}
		seen[p] = true
	}
}

func TestPermutedIndexDeterministic(t *testing.T) {
	seed := types.Root{0xab}
	for i := uint64(0); i < 50; i++ {
		a := PermutedIndex(i, 50, seed)
		b := PermutedIndex(i, 50, seed)
		if a != b {
			t.Fatalf("PermutedIndex(%d) not deterministic: %d vs %d", i, a, b)
		}
	}
}

func TestPermutedIndexSeedSensitivity(t *testing.T) {
	const n = 128
	same := 0
	for i := uint64(0); i < n; i++ {
		if PermutedIndex(i, n, types.Root{1}) == PermutedIndex(i, n, types.Root{2}) {
			same++
		}
	}
	if same == n {
		t.Error("different seeds produced identical permutation")
	}
}

func TestShuffleListMatchesPermutedIndex(t *testing.T) {
	seed := types.Root{9, 9}
	const n = 64
	list := ShuffleList(n, seed)
	for i := uint64(0); i < n; i++ {
		if list[PermutedIndex(i, n, seed)] != i {
			t.Fatalf("ShuffleList disagrees with PermutedIndex at %d", i)
		}
	}
}

func TestSingletonShuffle(t *testing.T) {
	if got := PermutedIndex(0, 1, types.Root{7}); got != 0 {
		t.Errorf("PermutedIndex over singleton = %d", got)
	}
}
