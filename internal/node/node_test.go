package node

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/n3toric/corenode/internal/store"
	"github.com/n3toric/corenode/internal/types"
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

type fakeSigner struct{}

func (fakeSigner) Sign(digest []byte) ([]byte, error) { return append([]byte{}, digest...), nil }

type acceptAllVerifier struct{}

func (acceptAllVerifier) Verify(int, []byte, []byte) (bool, error) { return true, nil }

func newTestConfig() Config {
	return Config{
		Store:     store.NewMemStore(),
		Hash256d:  sha256d,
		Balances:  zeroBalances{},
		FeePolicy: zeroFee{},
		Signer:    fakeSigner{},
		Verifier:  acceptAllVerifier{},
	}
}

func TestNewWiresEveryComponentOnFreshStore(t *testing.T) {
	n, err := New(newTestConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.Ledger() == nil || n.MemPool() == nil || n.Events() == nil || n.Peers() == nil {
		t.Fatalf("expected every collaborator to be wired")
	}
	if n.consensus != nil {
		t.Fatalf("expected no consensus round for a non-validating node config")
	}
}

func TestNewWiresConsensusWhenValidatorsConfigured(t *testing.T) {
	cfg := newTestConfig()
	cfg.Validators = [][]byte{{0}, {1}, {2}, {3}}
	cfg.LocalIndex = 0

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.consensus == nil {
		t.Fatalf("expected a consensus state machine once validators are configured")
	}
}

func TestStartAdvancesConsensusOnBlockApplied(t *testing.T) {
	cfg := newTestConfig()
	cfg.Validators = [][]byte{{0}, {1}, {2}, {3}}
	cfg.LocalIndex = 0

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := n.consensus.StartHeight(0, types.U256{}, types.U160{}); err != nil {
		t.Fatalf("StartHeight: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	genesis := &types.Block{Header: types.BlockHeader{Version: types.HeaderVersion, Index: 0}}
	if err := n.Ledger().ApplyBlock(genesis); err != nil {
		t.Fatalf("ApplyBlock: %v", err)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
