package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleStore is the production Store backend, an embedded LSM engine
// . Pebble is the storage engine already present in the
// consensus-engine dependency closure the example pack draws on; see
// DESIGN.md for the grounding note on why it was chosen over a hand-rolled
// file format.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (creating if absent) a Pebble database at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (p *PebbleStore) Get(col Column, key []byte) ([]byte, error) {
	v, closer, err := p.db.Get(Key(col, key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get: %w", err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	closer.Close()
	return out, nil
}

func (p *PebbleStore) Has(col Column, key []byte) (bool, error) {
	_, closer, err := p.db.Get(Key(col, key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("store: has: %w", err)
	}
	closer.Close()
	return true, nil
}

func (p *PebbleStore) Iterate(col Column, prefix []byte, fn func(key, value []byte) bool) error {
	full := Key(col, prefix)
	upper := prefixUpperBound(full)
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: full, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("store: iterate: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := it.Key()[1:] // strip column tag
		if !fn(k, it.Value()) {
			break
		}
	}
	return it.Error()
}

func (p *PebbleStore) Snapshot() (Snapshot, error) {
	return &pebbleSnapshot{snap: p.db.NewSnapshot()}, nil
}

func (p *PebbleStore) NewBatch() WriteBatch {
	return &pebbleBatch{batch: p.db.NewBatch()}
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for bounding a Pebble prefix iterator.
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix is all 0xFF: no upper bound
}

type pebbleSnapshot struct {
	snap *pebble.Snapshot
}

func (s *pebbleSnapshot) Get(col Column, key []byte) ([]byte, error) {
	v, closer, err := s.snap.Get(Key(col, key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: snapshot get: %w", err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	closer.Close()
	return out, nil
}

func (s *pebbleSnapshot) Has(col Column, key []byte) (bool, error) {
	_, closer, err := s.snap.Get(Key(col, key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("store: snapshot has: %w", err)
	}
	closer.Close()
	return true, nil
}

func (s *pebbleSnapshot) Iterate(col Column, prefix []byte, fn func(key, value []byte) bool) error {
	full := Key(col, prefix)
	upper := prefixUpperBound(full)
	it, err := s.snap.NewIter(&pebble.IterOptions{LowerBound: full, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("store: snapshot iterate: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if !fn(it.Key()[1:], it.Value()) {
			break
		}
	}
	return it.Error()
}

func (s *pebbleSnapshot) Close() error { return s.snap.Close() }

type pebbleBatch struct {
	batch *pebble.Batch
}

func (b *pebbleBatch) Set(col Column, key, value []byte) {
	_ = b.batch.Set(Key(col, key), value, nil)
}

func (b *pebbleBatch) Delete(col Column, key []byte) {
	_ = b.batch.Delete(Key(col, key), nil)
}

func (b *pebbleBatch) Commit() error {
	if err := b.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: batch commit: %w", err)
	}
	return nil
}
