package crypto

import (
	"testing"

	"github.com/n3toric/corenode/internal/types"
)

func leaf(b byte) types.U256 {
	var u types.U256
	u[0] = b
	return u
}

func TestMerkleRootEmptyIsZero(t *testing.T) {
	if got := MerkleRoot(nil); got != types.ZeroU256 {
		t.Fatalf("expected empty leaf set to produce the zero hash")
	}
}

func TestMerkleRootSingleLeafIsItself(t *testing.T) {
	l := leaf(1)
	if got := MerkleRoot([]types.U256{l}); got != l {
		t.Fatalf("expected a single-leaf tree's root to equal the leaf")
	}
}

func TestMerkleRootOddCountDuplicatesLast(t *testing.T) {
	leaves := []types.U256{leaf(1), leaf(2), leaf(3)}
	padded := []types.U256{leaf(1), leaf(2), leaf(3), leaf(3)}
	if MerkleRoot(leaves) != MerkleRoot(padded) {
		t.Fatalf("expected odd-length tree to match explicit last-duplicated even tree")
	}
}

func TestMerkleProofRoundTrips(t *testing.T) {
	leaves := []types.U256{leaf(1), leaf(2), leaf(3), leaf(4), leaf(5)}
	root := MerkleRoot(leaves)
	for i := range leaves {
		proof, gotRoot, err := MerkleProof(leaves, i)
		if err != nil {
			t.Fatalf("unexpected error for index %d: %v", i, err)
		}
		if gotRoot != root {
			t.Fatalf("index %d: proof-derived root mismatch", i)
		}
		if !VerifyMerkleProof(root, leaves[i], proof, i) {
			t.Fatalf("index %d: VerifyMerkleProof rejected a valid proof", i)
		}
	}
}

func TestMerkleProofRejectsOutOfRangeIndex(t *testing.T) {
	leaves := []types.U256{leaf(1)}
	if _, _, err := MerkleProof(leaves, 5); err == nil {
		t.Fatalf("expected an out-of-range index to error")
	}
}

func TestVerifyMerkleProofRejectsTamperedLeaf(t *testing.T) {
	leaves := []types.U256{leaf(1), leaf(2), leaf(3), leaf(4)}
	root := MerkleRoot(leaves)
	proof, _, _ := MerkleProof(leaves, 0)
	if VerifyMerkleProof(root, leaf(99), proof, 0) {
		t.Fatalf("expected a tampered leaf to fail verification")
	}
}
