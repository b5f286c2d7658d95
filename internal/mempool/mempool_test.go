package mempool

import (
	stdecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/n3toric/corenode/internal/crypto"
	"github.com/n3toric/corenode/internal/txverify"
	"github.com/n3toric/corenode/internal/types"
	"github.com/n3toric/corenode/internal/vm"
)

func sha256d(b []byte) types.U256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return types.U256(second)
}

type fakeView struct{ height uint32 }

func (f *fakeView) CurrentHeight() uint32                        { return f.height }
func (f *fakeView) ContainsTransaction(types.U256) (bool, error) { return false, nil }
func (f *fakeView) GasBalance(types.U160) (int64, error)         { return 1_000_000_000_000, nil }

type zeroFee struct{}

func (zeroFee) NetworkFeePerByte() int64 { return 0 }

// signedTx builds a tx with the given network fee and a fixed one-byte
// script, so every tx has the same size and distinct fee values produce
// distinct (and comparably ordered) fee rates.
func signedTx(t *testing.T, nonce uint32, networkFee int64) *types.Transaction {
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
		Nonce:           nonce,
		ValidUntilBlock: 1000,
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
	return tx
}

func newPool(capacity int) *Pool {
	v := txverify.New(sha256d, vm.NewStandardExecutor(), zeroFee{})
	return New(sha256d, v, capacity)
}

func TestAddRejectsDuplicateAsAlreadyKnown(t *testing.T) {
	p := newPool(10)
	view := &fakeView{height: 1}
	tx := signedTx(t, 1, 1_000_000)
	if _, err := p.Add(tx, view); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if _, err := p.Add(tx, view); err == nil {
		t.Fatalf("expected rejection re-admitting identical tx")
	}
}

func TestAddEvictsLowestFeeWhenFull(t *testing.T) {
	p := newPool(3)
	view := &fakeView{height: 1}

	low := signedTx(t, 1, 1_000_000) // lowest fee_per_byte
	mid := signedTx(t, 2, 2_000_000)
	high := signedTx(t, 3, 3_000_000)
	for _, tx := range []*types.Transaction{low, mid, high} {
		if _, err := p.Add(tx, view); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if p.Len() != 3 {
		t.Fatalf("expected pool full at 3, got %d", p.Len())
	}

	// A higher-fee tx should evict the lowest-fee entry.
	newTx := signedTx(t, 4, 2_500_000)
	evicted, err := p.Add(newTx, view)
	if err != nil {
		t.Fatalf("Add over-capacity: %v", err)
	}
	if evicted != low.Hash(sha256d) {
		t.Fatalf("expected lowest-fee tx evicted, got %s", evicted)
	}
	if p.Contains(low.Hash(sha256d)) {
		t.Fatalf("expected evicted tx to be absent")
	}
	if !p.Contains(newTx.Hash(sha256d)) {
		t.Fatalf("expected newly admitted tx present")
	}
}

func TestAddRejectsWhenFullAndNotHigherFee(t *testing.T) {
	p := newPool(1)
	view := &fakeView{height: 1}
	high := signedTx(t, 1, 5_000_000)
	if _, err := p.Add(high, view); err != nil {
		t.Fatalf("Add: %v", err)
	}
	low := signedTx(t, 2, 1_000_000)
	if _, err := p.Add(low, view); err == nil {
		t.Fatalf("expected rejection: incoming fee not higher than held entry")
	}
}

func TestEvictExpiredDropsMaturedTransactions(t *testing.T) {
	p := newPool(10)
	view := &fakeView{height: 1}
	tx := signedTx(t, 1, 1_000_000)
	tx.ValidUntilBlock = 5
	if _, err := p.Add(tx, view); err != nil {
		t.Fatalf("Add: %v", err)
	}
	dropped := p.EvictExpired(5)
	if len(dropped) != 1 || dropped[0] != tx.Hash(sha256d) {
		t.Fatalf("expected tx to be expired, got %v", dropped)
	}
	if p.Contains(tx.Hash(sha256d)) {
		t.Fatalf("expected expired tx removed")
	}
}
