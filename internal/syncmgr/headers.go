package syncmgr

import (
	"fmt"
	"sync"

	"github.com/n3toric/corenode/internal/types"
)

// HeaderCache is the in-memory header chain the Manager fills ahead of
// block download: validated for hash linkage and
// monotonic index on append, trimmed from the bottom as the Ledger
// catches up so memory stays bounded by the header/block height gap.
type HeaderCache struct {
	mu       sync.RWMutex
	hash256d func([]byte) types.U256

	headers map[uint32]*types.BlockHeader
	height  uint32
	tipHash types.U256
	haveAny bool
}

// NewHeaderCache seeds the cache with the local tip so the first
// appended batch must link to it. On a fresh chain pass (0, zero, false).
func NewHeaderCache(hash256d func([]byte) types.U256, tipIndex uint32, tipHash types.U256, haveTip bool) *HeaderCache {
	return &HeaderCache{
		hash256d: hash256d,
		headers:  make(map[uint32]*types.BlockHeader),
		height:   tipIndex,
		tipHash:  tipHash,
		haveAny:  haveTip,
	}
}

// Height returns the highest validated header index, or 0 when empty.
func (c *HeaderCache) Height() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.haveAny {
		return 0
	}
	return c.height
}

// TipHash returns the hash of the highest validated header.
func (c *HeaderCache) TipHash() types.U256 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHash
}

// AppendHeaders validates hash linkage and monotonic indices across the
// batch and against the current tip, then stores every header. Returns
// how many were accepted; a linkage break rejects the whole batch (the
// serving peer sent a chain we can't use).
func (c *HeaderCache) AppendHeaders(headers []types.BlockHeader) (int, error) {
	if len(headers) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prevHash := c.tipHash
	nextIndex := uint32(0)
	if c.haveAny {
		nextIndex = c.height + 1
	}
	for i := range headers {
		h := &headers[i]
		if h.Index != nextIndex+uint32(i) {
			return 0, fmt.Errorf("syncmgr: header %d out of order (want index %d)", h.Index, nextIndex+uint32(i))
		}
		if c.haveAny || i > 0 {
			if h.PrevHash != prevHash {
				return 0, fmt.Errorf("syncmgr: header %d does not link to %s", h.Index, prevHash)
			}
		}
		prevHash = h.Hash(c.hash256d)
	}

	for i := range headers {
		h := headers[i]
		c.headers[h.Index] = &h
	}
	last := &headers[len(headers)-1]
	c.height = last.Index
	c.tipHash = last.Hash(c.hash256d)
	c.haveAny = true
	return len(headers), nil
}

// HeaderAt returns the cached header at index.
func (c *HeaderCache) HeaderAt(index uint32) (*types.BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.headers[index]
	if !ok {
		return nil, fmt.Errorf("syncmgr: no cached header at index %d", index)
	}
	return h, nil
}

// TrimBelow drops cached headers at or below appliedHeight, releasing
// memory once the Ledger has the corresponding blocks.
func (c *HeaderCache) TrimBelow(appliedHeight uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx := range c.headers {
		if idx <= appliedHeight {
			delete(c.headers, idx)
		}
	}
}

var _ HeaderChain = (*HeaderCache)(nil)
