// Package crypto implements the node's cryptographic primitives:
// hashing, ECDSA over secp256r1/secp256k1, EC-recover, and Merkle roots.
package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // Neo's hash160 is defined over this exact construction
	"golang.org/x/crypto/sha3"

	"github.com/n3toric/corenode/internal/types"
)

// Sha256 returns the SHA-256 digest of b.
func Sha256(b []byte) types.U256 {
	return types.U256(sha256.Sum256(b))
}

// Sha256d returns SHA256(SHA256(b)), Neo's "hash256".
func Sha256d(b []byte) types.U256 {
	first := sha256.Sum256(b)
	return types.U256(sha256.Sum256(first[:]))
}

// Hash256 is an alias for Sha256d, the hash used for block and tx ids.
func Hash256(b []byte) types.U256 { return Sha256d(b) }

// Ripemd160 returns the RIPEMD-160 digest of b.
func Ripemd160(b []byte) types.U160 {
	h := ripemd160.New()
	h.Write(b)
	var out types.U160
	copy(out[:], h.Sum(nil))
	return out
}

// Hash160 returns RIPEMD160(SHA256(b)), Neo's script-hash construction
// .
func Hash160(b []byte) types.U160 {
	s := sha256.Sum256(b)
	return Ripemd160(s[:])
}

// Keccak256 returns the Keccak-256 digest of b (used for EVM/EC-recover
// interop).
func Keccak256(b []byte) types.U256 {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	var out types.U256
	copy(out[:], h.Sum(nil))
	return out
}
