package crypto

import (
	stdecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secp256k1_ecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Curve identifies which elliptic curve a key/signature is defined over
// . secp256r1 is Neo's default signing curve; secp256k1 exists
// for EC-recover / EVM-compat interop.
type Curve uint8

const (
	CurveSecp256r1 Curve = iota
	CurveSecp256k1
)

// secp256r1 (NIST P-256) has no competing third-party implementation in the
// example pack or wider ecosystem that is preferable to the standard
// library's constant-time P-256 — crypto/elliptic + crypto/ecdsa is the
// idiomatic choice even in go-ethereum for this curve. See DESIGN.md.
func p256() elliptic.Curve { return elliptic.P256() }

// VerifySignature verifies a 64-byte raw r||s signature over msgHash using
// pubKey (33-byte compressed or 65-byte uncompressed), on the given curve
// .
func VerifySignature(curve Curve, msgHash []byte, sig []byte, pubKey []byte) (bool, error) {
	if len(sig) != 64 {
		return false, fmt.Errorf("ecdsa: signature must be 64 bytes, got %d", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])

	switch curve {
	case CurveSecp256r1:
		pub, err := unmarshalP256(pubKey)
		if err != nil {
			return false, err
		}
		return stdecdsa.Verify(pub, msgHash, r, s), nil
	case CurveSecp256k1:
		pub, err := secp256k1.ParsePubKey(pubKey)
		if err != nil {
			return false, fmt.Errorf("ecdsa: parse secp256k1 pubkey: %w", err)
		}
		sigObj := secp256k1_ecdsa.NewSignature(modNScalar(r), modNScalar(s))
		return sigObj.Verify(msgHash, pub), nil
	default:
		return false, fmt.Errorf("ecdsa: unknown curve %d", curve)
	}
}

// Sign produces a 64-byte raw r||s signature over msgHash using privKey (a
// 32-byte secp256r1 scalar), the counterpart to VerifySignature's
// CurveSecp256r1 path. Used by validator nodes to sign consensus messages
// and block witnesses with their configured validator_identity key.
func Sign(msgHash []byte, privKey []byte) ([]byte, error) {
	if len(privKey) != 32 {
		return nil, fmt.Errorf("ecdsa: private key must be 32 bytes, got %d", len(privKey))
	}
	curve := p256()
	d := new(big.Int).SetBytes(privKey)
	x, y := curve.ScalarBaseMult(privKey)
	key := &stdecdsa.PrivateKey{
		PublicKey: stdecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	r, s, err := stdecdsa.Sign(rand.Reader, key, msgHash)
	if err != nil {
		return nil, fmt.Errorf("ecdsa: sign: %w", err)
	}
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}

// PublicKeySecp256r1 derives the 33-byte compressed public key for a
// 32-byte secp256r1 private scalar, so a node can locate its own
// validator_index from its configured validator_identity.
func PublicKeySecp256r1(privKey []byte) ([]byte, error) {
	if len(privKey) != 32 {
		return nil, fmt.Errorf("ecdsa: private key must be 32 bytes, got %d", len(privKey))
	}
	curve := p256()
	x, y := curve.ScalarBaseMult(privKey)
	return elliptic.MarshalCompressed(curve, x, y), nil
}

func modNScalar(v *big.Int) *secp256k1.ModNScalar {
	var s secp256k1.ModNScalar
	b := v.Bytes()
	var buf [32]byte
	copy(buf[32-len(b):], b)
	s.SetByteSlice(buf[:])
	return &s
}

func unmarshalP256(pubKey []byte) (*stdecdsa.PublicKey, error) {
	curve := p256()
	switch len(pubKey) {
	case 65:
		x, y := elliptic.Unmarshal(curve, pubKey)
		if x == nil {
			return nil, fmt.Errorf("ecdsa: invalid uncompressed p256 pubkey")
		}
		return &stdecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	case 33:
		x, y, err := unmarshalCompressed(curve, pubKey)
		if err != nil {
			return nil, err
		}
		return &stdecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
	default:
		return nil, fmt.Errorf("ecdsa: pubkey must be 33 or 65 bytes, got %d", len(pubKey))
	}
}

// unmarshalCompressed decompresses a 33-byte SEC1 point (0x02/0x03 prefix).
func unmarshalCompressed(curve elliptic.Curve, data []byte) (x, y *big.Int, err error) {
	if len(data) != 33 || (data[0] != 2 && data[0] != 3) {
		return nil, nil, fmt.Errorf("ecdsa: malformed compressed point")
	}
	params := curve.Params()
	x = new(big.Int).SetBytes(data[1:])
	if x.Cmp(params.P) >= 0 {
		return nil, nil, fmt.Errorf("ecdsa: x out of field range")
	}

	// y^2 = x^3 - 3x + b (mod p)
	ySq := new(big.Int).Mul(x, x)
	ySq.Mul(ySq, x)
	threeX := new(big.Int).Lsh(x, 1)
	threeX.Add(threeX, x)
	ySq.Sub(ySq, threeX)
	ySq.Add(ySq, params.B)
	ySq.Mod(ySq, params.P)

	y = new(big.Int).ModSqrt(ySq, params.P)
	if y == nil {
		return nil, nil, fmt.Errorf("ecdsa: point not on curve")
	}
	if y.Bit(0) != uint(data[0]&1) {
		y.Sub(params.P, y)
	}
	return x, y, nil
}

// ECRecover recovers the 65-byte uncompressed public key from a 65-byte
// sig65||v signature over a 32-byte message digest, for EVM-compat
// address recovery.
func ECRecover(sig65 []byte, msg32 []byte) ([]byte, error) {
	if len(sig65) != 65 {
		return nil, fmt.Errorf("ec_recover: signature must be 65 bytes")
	}
	if len(msg32) != 32 {
		return nil, fmt.Errorf("ec_recover: message digest must be 32 bytes")
	}
	// secp256k1 RecoverCompact expects [recoveryID+27 || r || s].
	compact := make([]byte, 65)
	compact[0] = sig65[64] + 27
	copy(compact[1:], sig65[:64])

	pub, _, err := secp256k1_ecdsa.RecoverCompact(compact, msg32)
	if err != nil {
		return nil, fmt.Errorf("ec_recover: %w", err)
	}
	return pub.SerializeUncompressed(), nil
}
