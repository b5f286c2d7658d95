package txverify

import (
	stdecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/n3toric/corenode/internal/crypto"
	"github.com/n3toric/corenode/internal/types"
	"github.com/n3toric/corenode/internal/vm"
)

func sha256d(b []byte) types.U256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return types.U256(second)
}

type fakeView struct {
	height  uint32
	known   map[types.U256]bool
	balance int64
}

func (f *fakeView) CurrentHeight() uint32                          { return f.height }
func (f *fakeView) ContainsTransaction(h types.U256) (bool, error) { return f.known[h], nil }
func (f *fakeView) GasBalance(types.U160) (int64, error)           { return f.balance, nil }

type fixedFee struct{ perByte int64 }

func (f fixedFee) NetworkFeePerByte() int64 { return f.perByte }

func signedTx(t *testing.T, validUntil uint32, networkFee int64) (*types.Transaction, *stdecdsa.PrivateKey) {
	t.Helper()
	priv, err := stdecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub := elliptic.Marshal(elliptic.P256(), priv.X, priv.Y)
	ver := vm.EncodeSingleSigVerification(crypto.CurveSecp256r1, pub)
	account := crypto.Hash160(ver)

	tx := &types.Transaction{
		Version:         0,
		ValidUntilBlock: validUntil,
		NetworkFee:      networkFee,
		Signers:         []types.Signer{{Account: account}},
		Script:          []byte{0x01},
		Witnesses:       []types.Witness{{VerificationScript: ver}},
	}
	msgHash := tx.Hash(sha256d)
	r, s, err := stdecdsa.Sign(rand.Reader, priv, msgHash[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	tx.Witnesses[0].InvocationScript = sig
	return tx, priv
}

func TestVerifyAcceptsWellFormedTx(t *testing.T) {
	v := New(sha256d, vm.NewStandardExecutor(), fixedFee{perByte: 1})
	tx, _ := signedTx(t, 100, 1_000_000)
	view := &fakeView{height: 10, known: map[types.U256]bool{}, balance: 1_000_000}
	if err := v.Verify(tx, view, nil); err != nil {
		t.Fatalf("expected accept, got %v", err)
	}
}

func TestVerifyRejectsAlreadyKnown(t *testing.T) {
	v := New(sha256d, vm.NewStandardExecutor(), fixedFee{perByte: 1})
	tx, _ := signedTx(t, 100, 1_000_000)
	view := &fakeView{height: 10, balance: 1_000_000}
	known := func(h types.U256) bool { return h == tx.Hash(sha256d) }
	err := v.Verify(tx, view, known)
	if re, ok := err.(*RejectionError); !ok || re.Reason != ReasonAlreadyKnown {
		t.Fatalf("expected ReasonAlreadyKnown, got %v", err)
	}
}

func TestVerifyRejectsAlreadyInChain(t *testing.T) {
	v := New(sha256d, vm.NewStandardExecutor(), fixedFee{perByte: 1})
	tx, _ := signedTx(t, 100, 1_000_000)
	view := &fakeView{height: 10, balance: 1_000_000, known: map[types.U256]bool{tx.Hash(sha256d): true}}
	err := v.Verify(tx, view, nil)
	if re, ok := err.(*RejectionError); !ok || re.Reason != ReasonAlreadyInChain {
		t.Fatalf("expected ReasonAlreadyInChain, got %v", err)
	}
}

func TestVerifyRejectsTamperedScriptAsVerificationFailed(t *testing.T) {
	v := New(sha256d, vm.NewStandardExecutor(), fixedFee{perByte: 1})
	tx, _ := signedTx(t, 100, 1_000_000)
	tx.Script[0] ^= 0xFF // tx hash changes, signature no longer matches it
	tx.SetDirty()
	view := &fakeView{height: 10, balance: 1_000_000}
	err := v.Verify(tx, view, nil)
	if re, ok := err.(*RejectionError); !ok || re.Reason != ReasonVerificationFailed {
		t.Fatalf("expected ReasonVerificationFailed, got %v", err)
	}
}

func TestVerifyRejectsInsufficientFee(t *testing.T) {
	v := New(sha256d, vm.NewStandardExecutor(), fixedFee{perByte: 1_000_000})
	tx, _ := signedTx(t, 100, 1)
	view := &fakeView{height: 10, balance: 1_000_000_000}
	err := v.Verify(tx, view, nil)
	if re, ok := err.(*RejectionError); !ok || re.Reason != ReasonInsufficientFee {
		t.Fatalf("expected ReasonInsufficientFee, got %v", err)
	}
}

func TestVerifyRejectsTemporalOutOfRange(t *testing.T) {
	v := New(sha256d, vm.NewStandardExecutor(), fixedFee{perByte: 1})
	tx, _ := signedTx(t, 5, 1_000_000)
	view := &fakeView{height: 10, balance: 1_000_000}
	err := v.Verify(tx, view, nil)
	if re, ok := err.(*RejectionError); !ok || re.Reason != ReasonTemporal {
		t.Fatalf("expected ReasonTemporal, got %v", err)
	}
}
