// Package mempool implements the bounded pending-transaction pool:
// admission gated by internal/txverify against the current tip,
// lowest-fee-first eviction when full, and expiry sweeps on block
// apply. A single mutex guards the map; admission verification runs
// outside it.
package mempool

import (
	"fmt"
	"sync"
	"time"

	"github.com/n3toric/corenode/internal/txverify"
	"github.com/n3toric/corenode/internal/types"
)

// entry is one admitted transaction plus its arrival order, used to
// break fee-per-byte ties in eviction (the older arrival is evicted first).
type entry struct {
	tx       *types.Transaction
	feeRate  float64
	arrived  time.Time
	sequence uint64
}

// Pool is the bounded, fee-ranked pending transaction set.
type Pool struct {
	mu       sync.Mutex
	hash256d func([]byte) types.U256
	verifier *txverify.Verifier
	capacity int
	entries  map[types.U256]*entry
	seq      uint64
	bytes    int
}

// New constructs a Pool bounded at capacity entries, admitting through
// verifier.
func New(hash256d func([]byte) types.U256, verifier *txverify.Verifier, capacity int) *Pool {
	if capacity <= 0 {
		capacity = 50_000
	}
	return &Pool{
		hash256d: hash256d,
		verifier: verifier,
		capacity: capacity,
		entries:  make(map[types.U256]*entry),
	}
}

// Add verifies tx against view and, on success, admits it -- evicting the
// lowest fee_per_byte entry first if the pool is at capacity.
// Returns the rejection reason as an error when admission fails, and the
// hash of any entry evicted to make room (zero value if none).
func (p *Pool) Add(tx *types.Transaction, view txverify.ChainView) (evicted types.U256, err error) {
	hash := tx.Hash(p.hash256d)

	p.mu.Lock()
	_, exists := p.entries[hash]
	p.mu.Unlock()
	if exists {
		return types.U256{}, fmt.Errorf("mempool: tx %s already admitted", hash)
	}

	// Verification runs without the lock; only the final insert takes
	// it.
	known := func(h types.U256) bool {
		p.mu.Lock()
		_, ok := p.entries[h]
		p.mu.Unlock()
		return ok
	}
	if err := p.verifier.Verify(tx, view, known); err != nil {
		return types.U256{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.entries[hash]; exists {
		return types.U256{}, fmt.Errorf("mempool: tx %s already admitted", hash)
	}

	if len(p.entries) >= p.capacity {
		victim := p.lowestFeeLocked()
		if victim == nil {
			return types.U256{}, fmt.Errorf("mempool: at capacity, nothing to evict")
		}
		if victim.feeRate >= tx.FeePerByte() {
			return types.U256{}, fmt.Errorf("mempool: at capacity, incoming fee_per_byte not higher than lowest held")
		}
		evictedHash := victim.tx.Hash(p.hash256d)
		p.removeLocked(evictedHash)
		evicted = evictedHash
	}

	p.seq++
	p.entries[hash] = &entry{tx: tx, feeRate: tx.FeePerByte(), arrived: time.Now(), sequence: p.seq}
	p.bytes += tx.Size()
	return evicted, nil
}

// lowestFeeLocked returns the entry with the smallest fee_per_byte,
// breaking ties by earliest arrival sequence. Caller holds p.mu.
func (p *Pool) lowestFeeLocked() *entry {
	var victim *entry
	for _, e := range p.entries {
		if victim == nil || e.feeRate < victim.feeRate || (e.feeRate == victim.feeRate && e.sequence < victim.sequence) {
			victim = e
		}
	}
	return victim
}

func (p *Pool) removeLocked(hash types.U256) {
	if e, ok := p.entries[hash]; ok {
		p.bytes -= e.tx.Size()
		delete(p.entries, hash)
	}
}

// Remove drops hash from the pool, used by the Ledger after a block
// including it has been applied.
func (p *Pool) Remove(hash types.U256) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(hash)
}

// Get returns the admitted transaction with the given hash, used by the
// network layer to serve GetData requests and to assemble the final
// block from a proposal's tx hash list.
func (p *Pool) Get(hash types.U256) (*types.Transaction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[hash]
	if !ok {
		return nil, false
	}
	return e.tx, true
}

// Contains reports whether hash is currently admitted.
func (p *Pool) Contains(hash types.U256) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[hash]
	return ok
}

// Len returns the number of admitted transactions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// TotalBytes returns the sum of admitted transactions' serialized sizes.
func (p *Pool) TotalBytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// Iter calls fn for every admitted transaction in descending fee_per_byte
// order, ties by earlier arrival, stopping early if fn returns false. Used by the Consensus SM to assemble a
// PrepareRequest block ordered by (-fee_per_byte, arrival).
func (p *Pool) Iter(fn func(tx *types.Transaction) bool) {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	sortByFeeThenArrival(entries)
	for _, e := range entries {
		if !fn(e.tx) {
			return
		}
	}
}

func sortByFeeThenArrival(entries []*entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			if a.feeRate > b.feeRate || (a.feeRate == b.feeRate && a.sequence <= b.sequence) {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// EvictExpired drops every transaction whose valid_until_block is now
// at or before currentHeight, returning the hashes evicted.
func (p *Pool) EvictExpired(currentHeight uint32) []types.U256 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var dropped []types.U256
	for hash, e := range p.entries {
		if e.tx.ValidUntilBlock <= currentHeight {
			dropped = append(dropped, hash)
			p.removeLocked(hash)
		}
	}
	return dropped
}
