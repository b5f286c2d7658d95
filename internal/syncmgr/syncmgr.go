// Package syncmgr drives header-then-block chain synchronization:
// fetch headers ahead of the local tip from the fastest-latency
// Ready peer, then fan block downloads out across several peers in
// parallel with a per-peer in-flight cap, feeding each completed block
// to the Ledger.
package syncmgr

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/n3toric/corenode/internal/types"
)

// State is the Sync Manager's coarse phase.
type State uint8

const (
	Idle State = iota
	SyncingHeaders
	SyncingBlocks
)

func (s State) String() string {
	switch s {
	case SyncingHeaders:
		return "syncing_headers"
	case SyncingBlocks:
		return "syncing_blocks"
	default:
		return "idle"
	}
}

// HeaderChain is the header cache Sync Manager appends validated
// header batches into, ahead of block application.
type HeaderChain interface {
	Height() uint32
	TipHash() types.U256
	AppendHeaders(headers []types.BlockHeader) (accepted int, err error)
	HeaderAt(index uint32) (*types.BlockHeader, error)
}

// BlockApplier is the subset of Ledger Sync Manager drives blocks into.
type BlockApplier interface {
	ApplyBlock(b *types.Block) error
	CurrentHeight() uint32
}

// PeerInfo is the subset of a Peer Table entry Sync Manager consults.
type PeerInfo struct {
	Address   string
	Height    uint32
	LatencyMs int64
}

// PeerSource resolves candidate peers and reputation feedback without
// Sync Manager depending on internal/peer directly.
type PeerSource interface {
	Ready() []PeerInfo
	FastestReady() (PeerInfo, bool)
	BestKnownHeight() uint32
	Penalize(address string, reason string)
}

// Requester performs the actual network round-trip for a header or
// block request. Production wiring implements this atop internal/p2p;
// tests substitute an in-memory fake.
type Requester interface {
	RequestHeaders(ctx context.Context, peerAddr string, startHash types.U256, count uint32) ([]types.BlockHeader, error)
	RequestBlock(ctx context.Context, peerAddr string, hash types.U256) (*types.Block, error)
}

// Config bounds Sync Manager's batching and concurrency.
type Config struct {
	// HeaderBatchAhead is the header-chain lag tolerated before the
	// header phase re-engages: headers are fetched while best_known -
	// header_height exceeds it. Zero (the default) keeps the header
	// chain fully caught up to the best known peer height.
	HeaderBatchAhead    uint32
	MaxHeadersPerMsg    uint32
	MaxInflightBlocks   int // per-peer in-flight cap
	MaxSyncBufferBlocks int // global undelivered-block backpressure bound
	PeerFanout          int // up to K peers assigned disjoint windows
}

func (c *Config) setDefaults() {
	if c.MaxHeadersPerMsg == 0 {
		c.MaxHeadersPerMsg = 2000
	}
	if c.MaxInflightBlocks == 0 {
		c.MaxInflightBlocks = 16
	}
	if c.MaxSyncBufferBlocks == 0 {
		c.MaxSyncBufferBlocks = 500
	}
	if c.PeerFanout == 0 {
		c.PeerFanout = 8
	}
}

// Manager is the Sync Manager.
type Manager struct {
	mu    sync.Mutex
	state State

	headers   HeaderChain
	ledger    BlockApplier
	peers     PeerSource
	requester Requester
	hash256d  func([]byte) types.U256
	cfg       Config
}

// New constructs a Manager. hash256d must be the same hasher the
// header chain and ledger use, so a header's hash here agrees with
// theirs (types.BlockHeader.Hash takes the hasher as a parameter to
// avoid internal/types importing internal/crypto).
func New(headers HeaderChain, ledger BlockApplier, peers PeerSource, requester Requester, hash256d func([]byte) types.U256, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{headers: headers, ledger: ledger, peers: peers, requester: requester, hash256d: hash256d, cfg: cfg}
}

// State returns the Manager's current phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// RunOnce executes one full catch-up pass: catch up
// headers to within HeaderBatchAhead of best_known_height, then apply
// blocks up to the header height. Safe to call repeatedly from a
// polling loop; returns once both phases are caught up or ctx is
// cancelled.
func (m *Manager) RunOnce(ctx context.Context) error {
	if err := m.syncHeaders(ctx); err != nil {
		return fmt.Errorf("syncmgr: header sync: %w", err)
	}
	if err := m.syncBlocks(ctx); err != nil {
		return fmt.Errorf("syncmgr: block sync: %w", err)
	}
	m.setState(Idle)
	return nil
}

func (m *Manager) syncHeaders(ctx context.Context) error {
	for {
		best := m.peers.BestKnownHeight()
		local := m.headers.Height()
		if best <= local || best-local <= m.cfg.HeaderBatchAhead {
			return nil
		}
		m.setState(SyncingHeaders)

		peerInfo, ok := m.peers.FastestReady()
		if !ok {
			return fmt.Errorf("no ready peer available for header sync")
		}
		headers, err := m.requester.RequestHeaders(ctx, peerInfo.Address, m.headers.TipHash(), m.cfg.MaxHeadersPerMsg)
		if err != nil {
			m.peers.Penalize(peerInfo.Address, "header request failed")
			continue
		}
		if len(headers) == 0 {
			return nil
		}
		if _, err := m.headers.AppendHeaders(headers); err != nil {
			m.peers.Penalize(peerInfo.Address, "invalid header chain")
			return fmt.Errorf("append headers from %s: %w", peerInfo.Address, err)
		}
	}
}

func (m *Manager) syncBlocks(ctx context.Context) error {
	for {
		headerHeight := m.headers.Height()
		blockHeight := m.ledger.CurrentHeight()
		if blockHeight >= headerHeight {
			return nil
		}
		m.setState(SyncingBlocks)

		remaining := headerHeight - blockHeight
		window := uint32(m.cfg.MaxInflightBlocks)
		if uint32(m.cfg.MaxSyncBufferBlocks) < window {
			window = uint32(m.cfg.MaxSyncBufferBlocks)
		}
		if remaining < window {
			window = remaining
		}
		if window == 0 {
			return nil
		}

		peers := m.peers.Ready()
		if len(peers) == 0 {
			return fmt.Errorf("no ready peers available for block sync")
		}
		fanout := m.cfg.PeerFanout
		if fanout > len(peers) {
			fanout = len(peers)
		}
		if fanout == 0 {
			fanout = 1
		}

		indices := make([]uint32, 0, window)
		for i := uint32(0); i < window; i++ {
			indices = append(indices, blockHeight+1+i)
		}
		windows := partition(indices, fanout)

		g, gctx := errgroup.WithContext(ctx)
		for i, idxWindow := range windows {
			peerAddr := peers[i%len(peers)].Address
			idxWindow := idxWindow
			g.Go(func() error {
				return m.fetchAndQueueWindow(gctx, peerAddr, idxWindow)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		// Apply strictly in order: blocks were fetched out of order
		// across peers, but Ledger.ApplyBlock buffers any that arrive
		// ahead of the tip and drains them once contiguous, so
		// applying whatever we fetched in fetch order is safe.
	}
}

func (m *Manager) fetchAndQueueWindow(ctx context.Context, peerAddr string, indices []uint32) error {
	for _, idx := range indices {
		hdr, err := m.headers.HeaderAt(idx)
		if err != nil {
			return fmt.Errorf("local header at %d: %w", idx, err)
		}
		blk, err := m.requester.RequestBlock(ctx, peerAddr, hdr.Hash(m.hash256d))
		if err != nil {
			m.peers.Penalize(peerAddr, "block request failed")
			return fmt.Errorf("request block %d from %s: %w", idx, peerAddr, err)
		}
		if err := m.ledger.ApplyBlock(blk); err != nil {
			m.peers.Penalize(peerAddr, "invalid block served")
			return fmt.Errorf("apply block %d from %s: %w", idx, peerAddr, err)
		}
	}
	return nil
}

func partition(indices []uint32, parts int) [][]uint32 {
	out := make([][]uint32, parts)
	for i, idx := range indices {
		p := i % parts
		out[p] = append(out[p], idx)
	}
	nonEmpty := out[:0]
	for _, w := range out {
		if len(w) > 0 {
			nonEmpty = append(nonEmpty, w)
		}
	}
	return nonEmpty
}
