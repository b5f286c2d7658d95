// Package persist implements the block/header/transaction indices
// layered directly on the KV store: Header(index), Block(hash) plus an
// index->hash mapping, Tx(hash), TxBlock(hash)->(index, tx_index),
// and the Meta(current_height)/Meta(current_root) pointers. Unlike
// contract storage (internal/mpt, internal/datacache) these records are
// never part of the state trie, so they are written straight through a
// store.WriteBatch rather than staged in a DataCache.
package persist

import (
	"encoding/binary"
	"fmt"

	"github.com/n3toric/corenode/internal/store"
	"github.com/n3toric/corenode/internal/types"
)

var (
	metaCurrentHeight = []byte("current_height")
	metaCurrentRoot   = []byte("current_root")
)

func indexKey(index uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], index)
	return b[:]
}

// Store wraps a store.Store with the block/tx/header indexing operations
// the Ledger needs.
type Store struct {
	backend store.Store
}

// New wraps backend with the persistence-layer indices.
func New(backend store.Store) *Store { return &Store{backend: backend} }

// CurrentHeight returns the last persisted height, or (0, false) on a
// fresh store.
func (s *Store) CurrentHeight() (uint32, bool, error) {
	v, err := s.backend.Get(store.ColumnMeta, metaCurrentHeight)
	if err == store.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(v), true, nil
}

// CurrentRoot returns the last persisted MPT state root.
func (s *Store) CurrentRoot() (types.U256, error) {
	v, err := s.backend.Get(store.ColumnMeta, metaCurrentRoot)
	if err == store.ErrNotFound {
		return types.ZeroU256, nil
	}
	if err != nil {
		return types.U256{}, err
	}
	var out types.U256
	copy(out[:], v)
	return out, nil
}

// GetHeader returns the header persisted at index.
func (s *Store) GetHeader(index uint32) (*types.BlockHeader, error) {
	raw, err := s.backend.Get(store.ColumnHeader, indexKey(index))
	if err != nil {
		return nil, err
	}
	return types.DecodeHeader(raw)
}

// GetBlockByHash returns the block persisted under hash.
func (s *Store) GetBlockByHash(hash types.U256) (*types.Block, error) {
	raw, err := s.backend.Get(store.ColumnBlock, hash[:])
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(raw)
}

// GetBlockByIndex resolves index -> hash -> block.
func (s *Store) GetBlockByIndex(index uint32) (*types.Block, error) {
	hashBytes, err := s.backend.Get(store.ColumnBlock, indexKey(index))
	if err != nil {
		return nil, err
	}
	var hash types.U256
	copy(hash[:], hashBytes)
	return s.GetBlockByHash(hash)
}

// GetTransaction returns the transaction persisted under hash, plus the
// (block index, tx index) it was included at.
func (s *Store) GetTransaction(hash types.U256) (*types.Transaction, uint32, uint32, error) {
	raw, err := s.backend.Get(store.ColumnTx, hash[:])
	if err != nil {
		return nil, 0, 0, err
	}
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		return nil, 0, 0, err
	}
	loc, err := s.backend.Get(store.ColumnTxBlock, hash[:])
	if err != nil {
		return nil, 0, 0, err
	}
	blockIdx := binary.LittleEndian.Uint32(loc[0:4])
	txIdx := binary.LittleEndian.Uint32(loc[4:8])
	return tx, blockIdx, txIdx, nil
}

// ContainsTransaction reports whether hash has already been persisted in
// some block, used by the Tx Verifier's uniqueness check.
func (s *Store) ContainsTransaction(hash types.U256) (bool, error) {
	return s.backend.Has(store.ColumnTx, hash[:])
}

// PersistBlock writes header, tx list, transactions, the block/index
// cross-reference, TxBlock locations, and the updated Meta pointers, all
// as one atomic batch: all writes for a single block commit together
// or not at all. root is the MPT state root after the block's storage
// writes have been committed by the caller.
func (s *Store) PersistBlock(b *types.Block, h256d func([]byte) types.U256, root types.U256) error {
	current, ok, err := s.CurrentHeight()
	if err != nil {
		return err
	}
	if ok && b.Header.Index != current+1 {
		return fmt.Errorf("persist: block index %d != current+1 (%d)", b.Header.Index, current+1)
	}
	if !ok && b.Header.Index != 0 {
		return fmt.Errorf("persist: first persisted block must be index 0, got %d", b.Header.Index)
	}

	hash := b.Header.Hash(h256d)
	batch := s.backend.NewBatch()
	batch.Set(store.ColumnHeader, indexKey(b.Header.Index), b.Header.EncodeHeader())
	batch.Set(store.ColumnBlock, hash[:], b.Encode())
	batch.Set(store.ColumnBlock, indexKey(b.Header.Index), hash[:])

	for i := range b.Transactions {
		tx := &b.Transactions[i]
		txHash := tx.Hash(h256d)
		batch.Set(store.ColumnTx, txHash[:], tx.Encode())
		var loc [8]byte
		binary.LittleEndian.PutUint32(loc[0:4], b.Header.Index)
		binary.LittleEndian.PutUint32(loc[4:8], uint32(i))
		batch.Set(store.ColumnTxBlock, txHash[:], loc[:])
	}

	var heightBytes [4]byte
	binary.LittleEndian.PutUint32(heightBytes[:], b.Header.Index)
	batch.Set(store.ColumnMeta, metaCurrentHeight, heightBytes[:])
	batch.Set(store.ColumnMeta, metaCurrentRoot, root[:])

	return batch.Commit()
}
