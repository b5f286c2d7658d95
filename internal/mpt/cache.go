package mpt

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/n3toric/corenode/internal/store"
	"github.com/n3toric/corenode/internal/types"
)

// Stats mirrors the reference trie cache's counters: hit/miss
// ratio and eviction count are exposed for node observability.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRatio returns Hits / (Hits+Misses), or 0 when no lookups happened.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache fronts the trie's Store column with an LRU read cache plus a
// dirty write set, so repeated reads of hot nodes (near the trie root)
// avoid a Store round-trip, while writes accumulate in memory until an
// explicit Commit.
type Cache struct {
	reader store.Snapshot // nil until attached; Get reports store.ErrNotFound on a miss otherwise
	reads  *lru.Cache[types.U256, *Node]
	dirty  map[types.U256]*Node
	stats  Stats
}

// NewCache constructs a Cache with the given LRU capacity (entry count).
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	c := &Cache{dirty: make(map[types.U256]*Node)}
	reads, err := lru.NewWithEvict[types.U256, *Node](capacity, func(_ types.U256, _ *Node) {
		c.stats.Evictions++
	})
	if err != nil {
		reads, _ = lru.New[types.U256, *Node](1)
	}
	c.reads = reads
	return c
}

// Attach points the cache at a read snapshot, used when opening a trie
// rooted at a previously committed state root.
func (c *Cache) Attach(snap store.Snapshot) { c.reader = snap }

// Get resolves a node by its content hash: dirty set, then LRU, then the
// underlying Store snapshot.
func (c *Cache) Get(h types.U256, decode func([]byte) (*Node, error)) (*Node, error) {
	if n, ok := c.dirty[h]; ok {
		return n, nil
	}
	if n, ok := c.reads.Get(h); ok {
		c.stats.Hits++
		return n, nil
	}
	c.stats.Misses++
	if c.reader == nil {
		return nil, store.ErrNotFound
	}
	raw, err := c.reader.Get(store.ColumnMPTNode, h[:])
	if err != nil {
		return nil, err
	}
	n, err := decode(raw)
	if err != nil {
		return nil, err
	}
	c.reads.Add(h, n)
	return n, nil
}

// PutDirty stages a node under its content hash for the next Commit.
func (c *Cache) PutDirty(h types.U256, n *Node) {
	c.dirty[h] = n
	c.reads.Add(h, n)
}

// Commit flushes every dirty node into batch under ColumnMPTNode and
// clears the dirty set, leaving the LRU populated with what was just
// written (so the immediately-following reads of the new root stay warm).
func (c *Cache) Commit(batch store.WriteBatch, encode func(*Node) []byte) {
	for h, n := range c.dirty {
		batch.Set(store.ColumnMPTNode, h[:], encode(n))
	}
	c.dirty = make(map[types.U256]*Node)
}

// Reset discards the dirty set without writing it, used when a block
// application fails and the trie must roll back to its last committed
// root.
func (c *Cache) Reset() {
	c.dirty = make(map[types.U256]*Node)
}

// Stats returns a snapshot of the cache's hit/miss/eviction counters.
func (c *Cache) Stats() Stats { return c.stats }
