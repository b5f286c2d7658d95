// Package ledger owns the chain tip and applies validated blocks
// atomically: duplicate/future-block handling, validation via
// internal/blockvalidator, persistence via internal/persist, mempool
// pruning, and BlockApplied event publication, including draining any
// buffered out-of-order blocks that are now contiguous.
package ledger

import (
	"fmt"
	"sync"

	"github.com/n3toric/corenode/internal/blockvalidator"
	"github.com/n3toric/corenode/internal/events"
	"github.com/n3toric/corenode/internal/mempool"
	"github.com/n3toric/corenode/internal/persist"
	"github.com/n3toric/corenode/internal/txverify"
	"github.com/n3toric/corenode/internal/types"
)

// BalanceSource resolves a native-GAS account balance, the collaborator
// the fee-check stage of Tx Verifier needs.
type BalanceSource interface {
	GasBalance(account types.U160) (int64, error)
}

// Ledger is the single writer of chain height: one writer
// (ApplyBlock), many snapshot readers.
type Ledger struct {
	mu sync.RWMutex

	store     *persist.Store
	validator *blockvalidator.Validator
	pool      *mempool.Pool
	bus       *events.Bus
	balances  BalanceSource
	hash256d  func([]byte) types.U256
	nowMs     func() uint64

	tip            types.BlockHeader
	haveTip        bool
	validatorCount int

	maxBuffer int
	buffered  map[uint32]*types.Block
}

// Config bundles Ledger's constructor dependencies.
type Config struct {
	Store          *persist.Store
	Validator      *blockvalidator.Validator
	Pool           *mempool.Pool
	Bus            *events.Bus
	Balances       BalanceSource
	Hash256d       func([]byte) types.U256
	NowMs          func() uint64
	ValidatorCount int
	MaxBuffer      int
}

// New constructs a Ledger, recovering its tip from cfg.Store if one was
// already persisted.
func New(cfg Config) (*Ledger, error) {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 64
	}
	l := &Ledger{
		store:          cfg.Store,
		validator:      cfg.Validator,
		pool:           cfg.Pool,
		bus:            cfg.Bus,
		balances:       cfg.Balances,
		hash256d:       cfg.Hash256d,
		nowMs:          cfg.NowMs,
		validatorCount: cfg.ValidatorCount,
		maxBuffer:      cfg.MaxBuffer,
		buffered:       make(map[uint32]*types.Block),
	}
	height, ok, err := cfg.Store.CurrentHeight()
	if err != nil {
		return nil, err
	}
	if ok {
		h, err := cfg.Store.GetHeader(height)
		if err != nil {
			return nil, err
		}
		l.tip = *h
		l.haveTip = true
	}
	return l, nil
}

// CurrentHeight implements txverify.ChainView.
func (l *Ledger) CurrentHeight() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.haveTip {
		return 0
	}
	return l.tip.Index
}

// ContainsTransaction implements txverify.ChainView.
func (l *Ledger) ContainsTransaction(hash types.U256) (bool, error) {
	return l.store.ContainsTransaction(hash)
}

// GasBalance implements txverify.ChainView by delegating to the injected
// BalanceSource (native GAS contract storage, out of this package's
// scope).
func (l *Ledger) GasBalance(account types.U160) (int64, error) {
	return l.balances.GasBalance(account)
}

var _ txverify.ChainView = (*Ledger)(nil)

// GetBestHash returns the current tip's hash.
func (l *Ledger) GetBestHash() types.U256 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tip.Hash(l.hash256d)
}

// GetHeader returns the header at index.
func (l *Ledger) GetHeader(index uint32) (*types.BlockHeader, error) { return l.store.GetHeader(index) }

// GetBlock returns the block at index.
func (l *Ledger) GetBlock(index uint32) (*types.Block, error) { return l.store.GetBlockByIndex(index) }

// GetBlockByHash returns the block with the given hash.
func (l *Ledger) GetBlockByHash(hash types.U256) (*types.Block, error) {
	return l.store.GetBlockByHash(hash)
}

// GetTransaction returns a persisted transaction and its block location.
func (l *Ledger) GetTransaction(hash types.U256) (*types.Transaction, uint32, uint32, error) {
	return l.store.GetTransaction(hash)
}

// ApplyBlock runs the apply sequence: duplicate/future-block
// handling, validation, persistence, mempool pruning, event publication,
// and buffer drain.
func (l *Ledger) ApplyBlock(b *types.Block) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(b)
}

func (l *Ledger) applyLocked(b *types.Block) error {
	if l.haveTip {
		if b.Header.Index <= l.tip.Index {
			return nil // duplicate, ignore
		}
		if b.Header.Index > l.tip.Index+1 {
			return l.bufferLocked(b) // ahead of the tip: hold for later
		}
	} else if b.Header.Index != 0 {
		return l.bufferLocked(b)
	}

	if err := l.validateLocked(b); err != nil {
		return fmt.Errorf("ledger: apply_block %d: %w", b.Header.Index, err)
	}

	// No trie commitment happens here: the state root last recorded in
	// Meta (zero on a fresh store) is carried forward with this block.
	root, err := l.store.CurrentRoot()
	if err != nil {
		return fmt.Errorf("ledger: read state root: %w", err)
	}

	if err := l.store.PersistBlock(b, l.hash256d, root); err != nil {
		return fmt.Errorf("ledger: persist_block %d: %w", b.Header.Index, err)
	}

	l.tip = b.Header
	l.haveTip = true

	if l.pool != nil {
		for i := range b.Transactions {
			l.pool.Remove(b.Transactions[i].Hash(l.hash256d))
		}
		l.pool.EvictExpired(b.Header.Index)
	}

	if l.bus != nil {
		hash := b.Header.Hash(l.hash256d)
		l.bus.Publish(events.Event{Kind: events.BlockApplied, Data: events.BlockAppliedData{Index: b.Header.Index, Hash: hash}})
	}

	return l.drainBufferLocked()
}

func (l *Ledger) validateLocked(b *types.Block) error {
	if !l.haveTip {
		// Genesis has no predecessor to validate chain-linkage or header
		// witness against; only the structural invariants apply.
		return b.Validate()
	}
	now := uint64(0)
	if l.nowMs != nil {
		now = l.nowMs()
	}
	prev := l.tip
	return l.validator.Validate(b, blockvalidator.Context{
		PrevHeader:     &prev,
		ValidatorCount: l.validatorCount,
		View:           l,
		NowMs:          now,
	})
}

func (l *Ledger) bufferLocked(b *types.Block) error {
	if len(l.buffered) >= l.maxBuffer {
		return fmt.Errorf("ledger: buffer full, dropping block %d", b.Header.Index)
	}
	l.buffered[b.Header.Index] = b
	return nil
}

func (l *Ledger) drainBufferLocked() error {
	for {
		next := l.tip.Index + 1
		b, ok := l.buffered[next]
		if !ok {
			return nil
		}
		delete(l.buffered, next)
		if err := l.applyLocked(b); err != nil {
			return err
		}
	}
}
