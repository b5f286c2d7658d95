// Package node is the Node Coordinator: it wires
// Store->MPT->DataCache->Ledger->Consensus, subscribes Consensus and
// the relay dispatch to Ledger events, and owns the strict shutdown
// order. It is deliberately thin -- every real decision (validation,
// quorum, eviction) lives in the package it wires together; this
// package only constructs and sequences them.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/n3toric/corenode/internal/blockvalidator"
	"github.com/n3toric/corenode/internal/consensus"
	"github.com/n3toric/corenode/internal/datacache"
	"github.com/n3toric/corenode/internal/events"
	"github.com/n3toric/corenode/internal/ledger"
	"github.com/n3toric/corenode/internal/mempool"
	"github.com/n3toric/corenode/internal/mpt"
	"github.com/n3toric/corenode/internal/peer"
	"github.com/n3toric/corenode/internal/persist"
	"github.com/n3toric/corenode/internal/store"
	"github.com/n3toric/corenode/internal/txverify"
	"github.com/n3toric/corenode/internal/types"
	"github.com/n3toric/corenode/internal/vm"
)

// ShutdownGrace and HardTimeout bound the stop sequence.
const (
	ShutdownGrace = 5 * time.Second
	HardTimeout   = 30 * time.Second
)

// trieBacking adapts *mpt.Trie to datacache.Backing.
type trieBacking struct{ trie *mpt.Trie }

func (b trieBacking) Get(key types.StorageKey) ([]byte, bool, error) { return b.trie.Get(key.Bytes()) }

// Config bundles every external dependency the Node Coordinator needs
// to construct the component graph.
type Config struct {
	Store      store.Store
	Hash256d   func([]byte) types.U256
	MerkleRoot func([]types.U256) types.U256
	Balances   ledger.BalanceSource
	FeePolicy  txverify.FeeSchedule
	Validators [][]byte
	LocalIndex int
	Signer     consensus.Signer
	Verifier   consensus.Verifier

	// ConsensusScript is the validator set's multisig verification
	// script; its Hash160 is every assembled header's next_consensus and
	// the aggregated commit witness verifies against it.
	ConsensusScript []byte
	NextConsensus   types.U160

	BlockTimeMs    uint64
	MaxTxPerBlock  int
	MPTCacheSize   int
	MempoolCap     int
	EventBufferLen int

	// Network enables the live transport when non-nil; a nil Network
	// yields a fully wired but offline node (useful in tests and tools).
	Network *NetworkConfig

	Logger *logrus.Logger
}

// Node owns the wired component graph plus the ordered Start/Stop
// lifecycle.
type Node struct {
	log *logrus.Logger

	store     store.Store
	trie      *mpt.Trie
	dataCache *datacache.DataCache
	pool      *mempool.Pool
	bus       *events.Bus
	verifier  *txverify.Verifier
	validator *blockvalidator.Validator
	chain     *ledger.Ledger
	consensus *consensus.SM
	peers     *peer.Table

	hash256d        func([]byte) types.U256
	signer          consensus.Signer
	verifierC       consensus.Verifier
	consensusScript []byte
	nextConsensus   types.U160

	net *netw

	stopConsensus chan struct{}
	stopSync      chan struct{}
}

// New constructs every component and wires their collaborators, but
// does not yet start any background work.
func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.EventBufferLen == 0 {
		cfg.EventBufferLen = 256
	}
	if cfg.MempoolCap == 0 {
		cfg.MempoolCap = 50_000
	}
	if cfg.MPTCacheSize == 0 {
		cfg.MPTCacheSize = 100_000
	}

	ps := persist.New(cfg.Store)
	mptCache := mpt.NewCache(cfg.MPTCacheSize)

	root, err := ps.CurrentRoot()
	if err != nil {
		return nil, fmt.Errorf("node: read current state root: %w", err)
	}
	trie := mpt.New(root, mptCache, cfg.Hash256d)
	dc := datacache.New(trieBacking{trie: trie}, 10_000)

	bus := events.New(cfg.EventBufferLen)
	executor := vm.NewStandardExecutor()
	txv := txverify.New(cfg.Hash256d, executor, cfg.FeePolicy)
	bv := blockvalidator.New(cfg.Hash256d, txv, executor)
	pool := mempool.New(cfg.Hash256d, txv, cfg.MempoolCap)

	chain, err := ledger.New(ledger.Config{
		Store:          ps,
		Validator:      bv,
		Pool:           pool,
		Bus:            bus,
		Balances:       cfg.Balances,
		Hash256d:       cfg.Hash256d,
		ValidatorCount: len(cfg.Validators),
	})
	if err != nil {
		return nil, fmt.Errorf("node: construct ledger: %w", err)
	}

	var sm *consensus.SM
	if len(cfg.Validators) > 0 && cfg.Signer != nil {
		sm, err = consensus.New(consensus.Config{
			Validators:    cfg.Validators,
			LocalIndex:    cfg.LocalIndex,
			Signer:        cfg.Signer,
			Verifier:      cfg.Verifier,
			Pool:          poolAdapter{pool},
			Hash256d:      cfg.Hash256d,
			MerkleRoot:    cfg.MerkleRoot,
			BaseTimeoutMs: cfg.BlockTimeMs,
			MaxTxPerBlock: cfg.MaxTxPerBlock,
		})
		if err != nil {
			return nil, fmt.Errorf("node: construct consensus: %w", err)
		}
	}

	peers := peer.New(peer.Config{})

	n := &Node{
		log:             cfg.Logger,
		store:           cfg.Store,
		trie:            trie,
		dataCache:       dc,
		pool:            pool,
		bus:             bus,
		verifier:        txv,
		validator:       bv,
		chain:           chain,
		consensus:       sm,
		peers:           peers,
		hash256d:        cfg.Hash256d,
		signer:          cfg.Signer,
		verifierC:       cfg.Verifier,
		consensusScript: cfg.ConsensusScript,
		nextConsensus:   cfg.NextConsensus,
		stopConsensus:   make(chan struct{}),
		stopSync:        make(chan struct{}),
	}
	if cfg.Network != nil {
		n.net = newNetw(n, *cfg.Network)
	}
	return n, nil
}

// poolAdapter narrows *mempool.Pool to consensus.MemPoolSource, pulling
// the fee-then-arrival ordering Iter already maintains.
type poolAdapter struct{ pool *mempool.Pool }

func (a poolAdapter) TopByFee(max int) []types.Transaction {
	out := make([]types.Transaction, 0, max)
	a.pool.Iter(func(tx *types.Transaction) bool {
		if len(out) >= max {
			return false
		}
		out = append(out, *tx)
		return true
	})
	return out
}

// Ledger exposes the wired Ledger for the P2P/Sync layer to call
// ApplyBlock/GetBlock on.
func (n *Node) Ledger() *ledger.Ledger { return n.chain }

// MemPool exposes the wired MemPool.
func (n *Node) MemPool() *mempool.Pool { return n.pool }

// Events exposes the wired event bus.
func (n *Node) Events() *events.Bus { return n.bus }

// Peers exposes the wired Peer Table.
func (n *Node) Peers() *peer.Table { return n.peers }

// Start brings the node live: the transport (when configured), and
// the consensus-advance subscription -- each BlockApplied event starts
// the round for the next height.
func (n *Node) Start(ctx context.Context) error {
	if n.net != nil {
		if err := n.net.start(ctx); err != nil {
			return fmt.Errorf("node: start network: %w", err)
		}
	}
	if n.consensus == nil {
		return nil // non-validating node: no consensus round to drive
	}
	blockApplied, unsub := n.bus.Subscribe()
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.stopConsensus:
				return
			case ev, ok := <-blockApplied:
				if !ok {
					return
				}
				if ev.Kind != events.BlockApplied {
					continue
				}
				data, ok := ev.Data.(events.BlockAppliedData)
				if !ok {
					continue
				}
				out, err := n.consensus.StartHeight(data.Index+1, types.U256(data.Hash), n.nextConsensus)
				if err != nil {
					n.log.WithError(err).Warn("node: failed to start next consensus round")
					continue
				}
				if out != nil && n.net != nil {
					n.net.broadcastOutbound(out)
				}
			}
		}
	}()
	return nil
}

// Stop executes the strict shutdown order: stop
// accepting new work, stop Consensus (flush commit log -- a no-op
// here since the commit log lives in memory and is rebuilt from
// Ledger state on restart), stop Sync Manager, stop P2P (close peers,
// drain loops within ShutdownGrace), flush MemPool (optional,
// skipped), commit DataCache, close Store. Store close is always
// awaited regardless of earlier failures.
func (n *Node) Stop(ctx context.Context) error {
	close(n.stopConsensus)
	close(n.stopSync)

	stopCtx, cancel := context.WithTimeout(ctx, HardTimeout)
	defer cancel()

	if n.net != nil {
		done := make(chan struct{})
		go func() { n.net.stop(); close(done) }()
		select {
		case <-done:
		case <-stopCtx.Done():
			n.log.Warn("node: network stop exceeded hard timeout; abandoning drain")
		}
	}

	n.dataCache.Commit()

	if err := n.store.Close(); err != nil {
		return fmt.Errorf("node: close store: %w", err)
	}
	return nil
}
