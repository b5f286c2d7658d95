package ledger

import (
	stdecdsa "crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/n3toric/corenode/internal/blockvalidator"
	"github.com/n3toric/corenode/internal/crypto"
	"github.com/n3toric/corenode/internal/events"
	"github.com/n3toric/corenode/internal/mempool"
	"github.com/n3toric/corenode/internal/persist"
	"github.com/n3toric/corenode/internal/store"
	"github.com/n3toric/corenode/internal/txverify"
	"github.com/n3toric/corenode/internal/types"
	"github.com/n3toric/corenode/internal/vm"
)

func sha256d(b []byte) types.U256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return types.U256(second)
}

type zeroBalances struct{}

func (zeroBalances) GasBalance(types.U160) (int64, error) { return 1_000_000_000_000, nil }

type zeroFee struct{}

func (zeroFee) NetworkFeePerByte() int64 { return 0 }

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	p := persist.New(store.NewMemStore())
	txv := txverify.New(sha256d, vm.NewStandardExecutor(), zeroFee{})
	bv := blockvalidator.New(sha256d, txv, vm.NewStandardExecutor())
	pool := mempool.New(sha256d, txv, 100)
	bus := events.New(16)
	l, err := New(Config{
		Store:          p,
		Validator:      bv,
		Pool:           pool,
		Bus:            bus,
		Balances:       zeroBalances{},
		Hash256d:       sha256d,
		ValidatorCount: 1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func TestApplyBlockGenesisRoundtrip(t *testing.T) {
	l := newTestLedger(t)
	genesis := &types.Block{Header: types.BlockHeader{Version: types.HeaderVersion, Index: 0}}
	if err := l.ApplyBlock(genesis); err != nil {
		t.Fatalf("ApplyBlock genesis: %v", err)
	}
	if l.CurrentHeight() != 0 {
		t.Fatalf("expected height 0, got %d", l.CurrentHeight())
	}
	got, err := l.GetBlock(0)
	if err != nil {
		t.Fatalf("GetBlock(0): %v", err)
	}
	if got.Header.Hash(sha256d) != genesis.Header.Hash(sha256d) {
		t.Fatalf("genesis hash mismatch after roundtrip")
	}
}

func TestApplyBlockIgnoresDuplicate(t *testing.T) {
	l := newTestLedger(t)
	genesis := &types.Block{Header: types.BlockHeader{Version: types.HeaderVersion, Index: 0}}
	if err := l.ApplyBlock(genesis); err != nil {
		t.Fatalf("ApplyBlock genesis: %v", err)
	}
	if err := l.ApplyBlock(genesis); err != nil {
		t.Fatalf("expected duplicate re-apply to be silently ignored, got %v", err)
	}
	if l.CurrentHeight() != 0 {
		t.Fatalf("height should not change on duplicate apply")
	}
}

func sign(t *testing.T, priv *stdecdsa.PrivateKey, msg []byte) []byte {
	t.Helper()
	r, s, err := stdecdsa.Sign(rand.Reader, priv, msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig
}

func TestApplyBlockBuffersFutureBlockThenDrains(t *testing.T) {
	l := newTestLedger(t)

	priv, err := stdecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pub := elliptic.Marshal(elliptic.P256(), priv.X, priv.Y)
	ver := vm.EncodeSingleSigVerification(crypto.CurveSecp256r1, pub)
	nextConsensus := crypto.Hash160(ver)

	genesis := &types.Block{Header: types.BlockHeader{
		Version: types.HeaderVersion, Index: 0, NextConsensus: nextConsensus,
	}}
	if err := l.ApplyBlock(genesis); err != nil {
		t.Fatalf("ApplyBlock genesis: %v", err)
	}

	b1 := &types.Block{Header: types.BlockHeader{
		Version: types.HeaderVersion, Index: 1,
		PrevHash: genesis.Header.Hash(sha256d), TimestampMs: 1, NextConsensus: nextConsensus,
	}}
	b1Hash := b1.Header.Hash(sha256d)
	b1.Header.Witness = types.Witness{InvocationScript: sign(t, priv, b1Hash[:]), VerificationScript: ver}

	b2 := &types.Block{Header: types.BlockHeader{
		Version: types.HeaderVersion, Index: 2,
		PrevHash: b1Hash, TimestampMs: 2, NextConsensus: nextConsensus,
	}}
	b2Hash := b2.Header.Hash(sha256d)
	b2.Header.Witness = types.Witness{InvocationScript: sign(t, priv, b2Hash[:]), VerificationScript: ver}

	// b2 arrives before b1: it must buffer, not apply, and not advance height.
	if err := l.ApplyBlock(b2); err != nil {
		t.Fatalf("ApplyBlock(b2 early): %v", err)
	}
	if l.CurrentHeight() != 0 {
		t.Fatalf("height should still be 0 while b1 is missing, got %d", l.CurrentHeight())
	}

	if err := l.ApplyBlock(b1); err != nil {
		t.Fatalf("ApplyBlock(b1): %v", err)
	}
	if l.CurrentHeight() != 2 {
		t.Fatalf("expected buffered b2 to drain once b1 applied, height = %d", l.CurrentHeight())
	}
}
