// Package datacache implements the write-buffered, read-through state
// layer that sits between block application logic and the MPT/Store
// pair: reads check a local write-set before falling through to the
// trie, and nothing reaches the trie until Commit.
package datacache

import (
	"bytes"
	"sort"
	"sync"

	"github.com/n3toric/corenode/internal/types"
)

type entryState uint8

const (
	stateClean entryState = iota
	statePut
	stateDeleted
)

type entry struct {
	value []byte
	state entryState
}

// Backing is the read-through source a DataCache falls back to on a
// local miss: the MPT-backed contract storage trie in production, or a
// plain map in tests.
type Backing interface {
	Get(key types.StorageKey) ([]byte, bool, error)
}

// DataCache buffers storage reads/writes for the duration of applying one
// block (or one transaction, when used by the VM collaborator), so a
// failed apply can be discarded without touching the underlying trie
// .
type DataCache struct {
	mu      sync.Mutex
	backing Backing
	entries map[string]*entry
	// readSet bounds memory for the common case of a read-heavy,
	// write-light transaction: clean (unmodified) entries evict in FIFO
	// order once the cache exceeds maxCleanEntries.
	order           []string
	maxCleanEntries int
}

// New constructs a DataCache reading through to backing, with a soft cap
// on how many clean (read-only) entries it retains before FIFO-evicting
// them -- dirty entries are never evicted, only cleared by Commit/Reset.
func New(backing Backing, maxCleanEntries int) *DataCache {
	if maxCleanEntries <= 0 {
		maxCleanEntries = 10_000
	}
	return &DataCache{
		backing:         backing,
		entries:         make(map[string]*entry),
		maxCleanEntries: maxCleanEntries,
	}
}

func keyStr(k types.StorageKey) string { return string(k.Bytes()) }

// Get returns the value for key, checking the local write-set first.
func (d *DataCache) Get(key types.StorageKey) ([]byte, bool, error) {
	d.mu.Lock()
	ks := keyStr(key)
	if e, ok := d.entries[ks]; ok {
		if e.state == stateDeleted {
			d.mu.Unlock()
			return nil, false, nil
		}
		d.mu.Unlock()
		return e.value, true, nil
	}
	d.mu.Unlock()

	v, ok, err := d.backing.Get(key)
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	if _, exists := d.entries[ks]; !exists {
		if ok {
			d.stageClean(ks, v)
		}
	}
	d.mu.Unlock()
	return v, ok, nil
}

// stageClean records a read-through value as clean, evicting the oldest
// clean entry first if over capacity. Caller holds d.mu.
func (d *DataCache) stageClean(ks string, v []byte) {
	if len(d.order) >= d.maxCleanEntries {
		for len(d.order) > 0 {
			oldest := d.order[0]
			d.order = d.order[1:]
			if e, ok := d.entries[oldest]; ok && e.state == stateClean {
				delete(d.entries, oldest)
				break
			}
		}
	}
	d.entries[ks] = &entry{value: v, state: stateClean}
	d.order = append(d.order, ks)
}

// Put stages a write, visible to subsequent Gets on this DataCache but
// not yet to the backing trie.
func (d *DataCache) Put(key types.StorageKey, value []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[keyStr(key)] = &entry{value: value, state: statePut}
}

// Delete stages a deletion.
func (d *DataCache) Delete(key types.StorageKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[keyStr(key)] = &entry{state: stateDeleted}
}

// Changeset describes one staged mutation. Commit returns them in
// ascending key-byte order so the trie layer can replay writes/deletes in
// a deterministic order.
type Changeset struct {
	Key     types.StorageKey
	Value   []byte
	Deleted bool
}

// Commit returns every dirty (Put or Deleted) entry as a Changeset and
// clears the write-set, leaving clean entries in place as a warm read
// cache for the next DataCache layered on the same backing.
func (d *DataCache) Commit() []Changeset {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Changeset
	for ks, e := range d.entries {
		switch e.state {
		case statePut:
			out = append(out, Changeset{Key: decodeKey(ks), Value: e.value})
			delete(d.entries, ks)
		case stateDeleted:
			out = append(out, Changeset{Key: decodeKey(ks), Deleted: true})
			delete(d.entries, ks)
		}
	}
	d.order = cleanOrder(d.order, d.entries)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Key.Bytes(), out[j].Key.Bytes()) < 0
	})
	return out
}

// Reset discards every staged write/delete without touching the backing
// trie, used to unwind a failed apply_block or a reverted VM call frame.
func (d *DataCache) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ks, e := range d.entries {
		if e.state != stateClean {
			delete(d.entries, ks)
		}
	}
	d.order = cleanOrder(d.order, d.entries)
}

func cleanOrder(order []string, entries map[string]*entry) []string {
	out := order[:0]
	for _, ks := range order {
		if _, ok := entries[ks]; ok {
			out = append(out, ks)
		}
	}
	return out
}

// decodeKey reverses keyStr/StorageKey.Bytes' big-endian ContractID
// prefix convention.
func decodeKey(ks string) types.StorageKey {
	b := []byte(ks)
	id := int32(b[0])<<24 | int32(b[1])<<16 | int32(b[2])<<8 | int32(b[3])
	return types.StorageKey{ContractID: id, Suffix: append([]byte(nil), b[4:]...)}
}
