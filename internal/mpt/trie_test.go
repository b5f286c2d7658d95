package mpt

import (
	"crypto/sha256"
	"testing"

	"github.com/n3toric/corenode/internal/store"
	"github.com/n3toric/corenode/internal/types"
)

func sha256Hasher(b []byte) types.U256 { return types.U256(sha256.Sum256(b)) }

func newTestTrie(t *testing.T) (*Trie, *Cache, store.Store) {
	t.Helper()
	s := store.NewMemStore()
	c := NewCache(1000)
	trie := New(types.ZeroU256, c, sha256Hasher)
	return trie, c, s
}

func commitAndReopen(t *testing.T, trie *Trie, c *Cache, s store.Store) (*Trie, types.U256) {
	t.Helper()
	root, err := trie.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	batch := s.NewBatch()
	c.Commit(batch, Encode)
	if err := batch.Commit(); err != nil {
		t.Fatalf("batch Commit: %v", err)
	}
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	fresh := NewCache(1000)
	fresh.Attach(snap)
	return New(root, fresh, sha256Hasher), root
}

func TestTriePutGetSingleKey(t *testing.T) {
	trie, _, _ := newTestTrie(t)
	if err := trie.Put([]byte("alpha"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := trie.Get([]byte("alpha"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get(alpha) = %q, %v, %v", v, ok, err)
	}
	if _, ok, _ := trie.Get([]byte("beta")); ok {
		t.Fatalf("expected absent key to miss")
	}
}

func TestTrieEmptyRootIsZeroHash(t *testing.T) {
	trie, _, _ := newTestTrie(t)
	root, err := trie.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if root != types.ZeroU256 {
		t.Fatalf("expected empty trie to commit to the zero hash")
	}
}

func TestTrieMultipleKeysRoundTripAfterPersist(t *testing.T) {
	trie, c, s := newTestTrie(t)
	entries := map[string]string{
		"apple":  "1",
		"apply":  "2",
		"app":    "3",
		"banana": "4",
		"band":   "5",
	}
	for k, v := range entries {
		if err := trie.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	reopened, _ := commitAndReopen(t, trie, c, s)
	for k, v := range entries {
		got, ok, err := reopened.Get([]byte(k))
		if err != nil || !ok {
			t.Fatalf("Get(%s) after reopen: ok=%v err=%v", k, ok, err)
		}
		if string(got) != v {
			t.Fatalf("Get(%s) = %q, want %q", k, got, v)
		}
	}
}

func TestTrieRootIsDeterministicRegardlessOfInsertOrder(t *testing.T) {
	keys := []string{"a", "ab", "abc", "b", "ba"}
	values := []string{"1", "2", "3", "4", "5"}

	t1, _, _ := newTestTrie(t)
	for i, k := range keys {
		_ = t1.Put([]byte(k), []byte(values[i]))
	}
	root1, err := t1.Commit()
	if err != nil {
		t.Fatalf("Commit t1: %v", err)
	}

	t2, _, _ := newTestTrie(t)
	for i := len(keys) - 1; i >= 0; i-- {
		_ = t2.Put([]byte(keys[i]), []byte(values[i]))
	}
	root2, err := t2.Commit()
	if err != nil {
		t.Fatalf("Commit t2: %v", err)
	}

	if root1 != root2 {
		t.Fatalf("expected insertion-order-independent root, got %s vs %s", root1, root2)
	}
}

func TestTrieDeleteRemovesKeyAndChangesRoot(t *testing.T) {
	trie, _, _ := newTestTrie(t)
	_ = trie.Put([]byte("x"), []byte("1"))
	_ = trie.Put([]byte("y"), []byte("2"))
	rootBefore, _ := trie.Commit()

	if err := trie.Delete([]byte("x")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rootAfter, err := trie.Commit()
	if err != nil {
		t.Fatalf("Commit after delete: %v", err)
	}
	if rootAfter == rootBefore {
		t.Fatalf("expected root to change after delete")
	}
	if _, ok, _ := trie.Get([]byte("x")); ok {
		t.Fatalf("expected deleted key to be absent")
	}
	v, ok, _ := trie.Get([]byte("y"))
	if !ok || string(v) != "2" {
		t.Fatalf("expected surviving key y=2, got %q, %v", v, ok)
	}
}

func TestTrieDeleteMatchesFreshTrieRoot(t *testing.T) {
	trie, _, _ := newTestTrie(t)
	_ = trie.Put([]byte("x"), []byte("1"))
	_ = trie.Put([]byte("y"), []byte("2"))
	_ = trie.Delete([]byte("x"))
	rootA, _ := trie.Commit()

	fresh, _, _ := newTestTrie(t)
	_ = fresh.Put([]byte("y"), []byte("2"))
	rootB, _ := fresh.Commit()

	if rootA != rootB {
		t.Fatalf("expected deleting x to canonicalize to the same root as a trie that never held it, got %s vs %s", rootA, rootB)
	}
}

func TestCacheStatsTrackHitsAndMisses(t *testing.T) {
	trie, c, s := newTestTrie(t)
	_ = trie.Put([]byte("k"), []byte("v"))
	reopened, _ := commitAndReopen(t, trie, c, s)

	if _, _, err := reopened.Get([]byte("k")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, _, err := reopened.Get([]byte("k")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	stats := reopened.cache.Stats()
	if stats.Misses == 0 {
		t.Fatalf("expected at least one miss populating the cache from the store")
	}
}
