package mpt

import (
	"fmt"

	"github.com/n3toric/corenode/internal/types"
)

// Trie is a single Modified Patricia Trie rooted at Root. sha256 is a
// single-round SHA-256 (see node.go); Sha256d is the double round used for
// everything outside the trie (transactions, blocks).
type Trie struct {
	root   *Node
	cache  *Cache
	sha256 func([]byte) types.U256
}

// New creates a Trie over an existing root hash (types.ZeroU256 for an
// empty trie), reading through cache on demand.
func New(root types.U256, cache *Cache, sha256 func([]byte) types.U256) *Trie {
	var r *Node
	if root.IsZero() {
		r = NewEmpty()
	} else {
		r = NewHash(root)
	}
	return &Trie{root: r, cache: cache, sha256: sha256}
}

func (t *Trie) resolve(n *Node) (*Node, error) {
	if n == nil {
		return NewEmpty(), nil
	}
	if n.Kind != KindHash {
		return n, nil
	}
	return t.cache.Get(n.HashVal, t.decode)
}

// decode parses the persisted node encoding back into a Node. Branch and
// extension children remain HashNodes (lazily resolved on the next
// descent); this mirrors node.go's encode, which always references
// children by hash.
func (t *Trie) decode(raw []byte) (*Node, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("mpt: empty node encoding")
	}
	switch raw[0] {
	case 0x00: // Branch
		n := NewBranch()
		off := 1
		for i := 0; i < branchChildCount; i++ {
			if off >= len(raw) {
				return nil, fmt.Errorf("mpt: truncated branch node")
			}
			has := raw[off]
			off++
			if has == 0x01 {
				if off+32 > len(raw) {
					return nil, fmt.Errorf("mpt: truncated branch child hash")
				}
				var h types.U256
				copy(h[:], raw[off:off+32])
				off += 32
				n.Children[i] = NewHash(h)
			}
		}
		if off < len(raw) {
			hasVal := raw[off]
			off++
			if hasVal == 0x01 {
				if off+4 > len(raw) {
					return nil, fmt.Errorf("mpt: truncated branch value length")
				}
				vl := le32(raw[off:])
				off += 4
				if off+int(vl) > len(raw) {
					return nil, fmt.Errorf("mpt: truncated branch value")
				}
				n.Value = append([]byte(nil), raw[off:off+int(vl)]...)
			}
		}
		return n, nil

	case 0x01: // Extension
		off := 1
		if off+4 > len(raw) {
			return nil, fmt.Errorf("mpt: truncated extension key length")
		}
		kl := le32(raw[off:])
		off += 4
		if off+int(kl)+32 > len(raw) {
			return nil, fmt.Errorf("mpt: truncated extension node")
		}
		key := append([]byte(nil), raw[off:off+int(kl)]...)
		off += int(kl)
		var h types.U256
		copy(h[:], raw[off:off+32])
		return NewExtension(key, NewHash(h)), nil

	case 0x02: // Leaf
		off := 1
		if off+4 > len(raw) {
			return nil, fmt.Errorf("mpt: truncated leaf key length")
		}
		kl := le32(raw[off:])
		off += 4
		if off+int(kl)+4 > len(raw) {
			return nil, fmt.Errorf("mpt: truncated leaf node")
		}
		key := append([]byte(nil), raw[off:off+int(kl)]...)
		off += int(kl)
		vl := le32(raw[off:])
		off += 4
		if off+int(vl) > len(raw) {
			return nil, fmt.Errorf("mpt: truncated leaf value")
		}
		value := append([]byte(nil), raw[off:off+int(vl)]...)
		return NewLeaf(key, value), nil

	case 0x03: // Hash
		if len(raw) < 33 {
			return nil, fmt.Errorf("mpt: truncated hash node")
		}
		var h types.U256
		copy(h[:], raw[1:33])
		return NewHash(h), nil

	case 0x04: // Empty
		return NewEmpty(), nil

	default:
		return nil, fmt.Errorf("mpt: unknown node tag %#x", raw[0])
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Get looks up key (raw bytes, internally expanded to nibbles) and
// returns its value, or ok=false if absent.
func (t *Trie) Get(key []byte) ([]byte, bool, error) {
	path := BytesToNibbles(key)
	n, err := t.resolve(t.root)
	if err != nil {
		return nil, false, err
	}
	return t.get(n, path)
}

func (t *Trie) get(n *Node, path []byte) ([]byte, bool, error) {
	if n.IsEmpty() {
		return nil, false, nil
	}
	switch n.Kind {
	case KindLeaf:
		if nibblesEqual(n.Key, path) {
			return n.Value, true, nil
		}
		return nil, false, nil
	case KindExtension:
		if len(path) < len(n.Key) || !nibblesEqual(n.Key, path[:len(n.Key)]) {
			return nil, false, nil
		}
		child, err := t.resolve(n.Next)
		if err != nil {
			return nil, false, err
		}
		return t.get(child, path[len(n.Key):])
	case KindBranch:
		if len(path) == 0 {
			return n.Value, n.Value != nil, nil
		}
		child := n.Children[path[0]]
		if child == nil {
			return nil, false, nil
		}
		resolved, err := t.resolve(child)
		if err != nil {
			return nil, false, err
		}
		return t.get(resolved, path[1:])
	default:
		return nil, false, nil
	}
}

func nibblesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Put inserts or overwrites key -> value, copy-on-write down the touched
// path so concurrent readers of the previous root remain valid.
func (t *Trie) Put(key, value []byte) error {
	path := BytesToNibbles(key)
	root, err := t.resolve(t.root)
	if err != nil {
		return err
	}
	newRoot, err := t.put(root, path, value)
	if err != nil {
		return err
	}
	t.root = newRoot
	return nil
}

func (t *Trie) put(n *Node, path, value []byte) (*Node, error) {
	if n.IsEmpty() {
		return NewLeaf(path, value), nil
	}
	switch n.Kind {
	case KindLeaf:
		if nibblesEqual(n.Key, path) {
			return NewLeaf(path, value), nil
		}
		return t.splitLeafOrExtension(n.Key, n.Value, nil, path, value)

	case KindExtension:
		cp := commonPrefixLen(n.Key, path)
		if cp == len(n.Key) {
			child, err := t.resolve(n.Next)
			if err != nil {
				return nil, err
			}
			newChild, err := t.put(child, path[cp:], value)
			if err != nil {
				return nil, err
			}
			return NewExtension(n.Key, newChild), nil
		}
		return t.splitLeafOrExtension(n.Key, nil, n.Next, path, value)

	case KindBranch:
		cp := n.Clone()
		if len(path) == 0 {
			cp.Value = value
			return cp, nil
		}
		idx := path[0]
		child := cp.Children[idx]
		if child == nil {
			child = NewEmpty()
		}
		resolved, err := t.resolve(child)
		if err != nil {
			return nil, err
		}
		newChild, err := t.put(resolved, path[1:], value)
		if err != nil {
			return nil, err
		}
		cp.Children[idx] = newChild
		return cp, nil

	default:
		return nil, fmt.Errorf("mpt: unexpected node kind %d during put", n.Kind)
	}
}

// splitLeafOrExtension handles the divergence case: an existing
// leaf/extension whose key shares only a partial prefix with the new
// path. existingNext is non-nil when splitting an Extension (its
// sub-trie); otherwise existingValue holds the leaf's value.
func (t *Trie) splitLeafOrExtension(existingKey []byte, existingValue []byte, existingNext *Node, path, value []byte) (*Node, error) {
	cp := commonPrefixLen(existingKey, path)
	branch := NewBranch()

	// Place the existing entry's remainder.
	existingRest := existingKey[cp:]
	if err := t.attachRemainder(branch, existingRest, existingValue, existingNext); err != nil {
		return nil, err
	}
	// Place the new entry's remainder.
	newRest := path[cp:]
	if err := t.attachRemainder(branch, newRest, value, nil); err != nil {
		return nil, err
	}

	var result *Node = branch
	if cp > 0 {
		result = NewExtension(existingKey[:cp], branch)
	}
	return result, nil
}

// attachRemainder places a single remaining-path entry into branch: if
// the remainder is empty, it becomes the branch's own value (or, for a
// split Extension with an empty remainder, the branch's child at no
// nibble is not representable, so the sub-trie's root is folded in via a
// synthetic one-nibble descent is avoided by requiring callers to ensure
// an Extension split always has a non-empty former key -- true because
// Extension.Key is always non-empty by construction).
func (t *Trie) attachRemainder(branch *Node, rest []byte, value []byte, next *Node) error {
	if len(rest) == 0 {
		if next != nil {
			// An Extension whose entire key matched the prefix can't
			// happen here: Put's Extension case handles cp==len(n.Key)
			// before ever calling split. Defensive guard only.
			return fmt.Errorf("mpt: invalid split: zero-length extension remainder")
		}
		branch.Value = value
		return nil
	}
	idx := rest[0]
	tail := rest[1:]
	var child *Node
	if next != nil {
		if len(tail) == 0 {
			child = next
		} else {
			child = NewExtension(tail, next)
		}
	} else {
		child = NewLeaf(tail, value)
	}
	branch.Children[idx] = child
	return nil
}

// Delete removes key if present; absence is not an error.
func (t *Trie) Delete(key []byte) error {
	path := BytesToNibbles(key)
	root, err := t.resolve(t.root)
	if err != nil {
		return err
	}
	newRoot, _, err := t.delete(root, path)
	if err != nil {
		return err
	}
	if newRoot == nil {
		newRoot = NewEmpty()
	}
	t.root = newRoot
	return nil
}

// delete returns the updated subtree and whether the key was found.
func (t *Trie) delete(n *Node, path []byte) (*Node, bool, error) {
	if n.IsEmpty() {
		return n, false, nil
	}
	switch n.Kind {
	case KindLeaf:
		if nibblesEqual(n.Key, path) {
			return NewEmpty(), true, nil
		}
		return n, false, nil

	case KindExtension:
		if len(path) < len(n.Key) || !nibblesEqual(n.Key, path[:len(n.Key)]) {
			return n, false, nil
		}
		child, err := t.resolve(n.Next)
		if err != nil {
			return nil, false, err
		}
		newChild, found, err := t.delete(child, path[len(n.Key):])
		if err != nil || !found {
			return n, found, err
		}
		return collapseExtension(n.Key, newChild), true, nil

	case KindBranch:
		cp := n.Clone()
		if len(path) == 0 {
			if cp.Value == nil {
				return n, false, nil
			}
			cp.Value = nil
			return collapseBranch(cp), true, nil
		}
		idx := path[0]
		child := cp.Children[idx]
		if child == nil {
			return n, false, nil
		}
		resolved, err := t.resolve(child)
		if err != nil {
			return nil, false, err
		}
		newChild, found, err := t.delete(resolved, path[1:])
		if err != nil || !found {
			return n, found, err
		}
		if newChild.IsEmpty() {
			cp.Children[idx] = nil
		} else {
			cp.Children[idx] = newChild
		}
		return collapseBranch(cp), true, nil

	default:
		return n, false, nil
	}
}

// collapseExtension drops an extension whose child became empty, and
// merges a child extension's or leaf's key into this one to avoid stacked
// single-child extensions.
func collapseExtension(key []byte, child *Node) *Node {
	if child.IsEmpty() {
		return NewEmpty()
	}
	if child.Kind == KindExtension {
		return NewExtension(append(append([]byte(nil), key...), child.Key...), child.Next)
	}
	if child.Kind == KindLeaf {
		return NewLeaf(append(append([]byte(nil), key...), child.Key...), child.Value)
	}
	return NewExtension(key, child)
}

// collapseBranch simplifies a branch that now has at most one live child
// and no value into a Leaf or Extension, keeping the trie canonical
// (required for a stable, content-addressed root hash).
func collapseBranch(b *Node) *Node {
	count := 0
	var onlyIdx byte
	var only *Node
	for i, c := range b.Children {
		if c != nil && !c.IsEmpty() {
			count++
			onlyIdx = byte(i)
			only = c
		}
	}
	if count == 0 && b.Value == nil {
		return NewEmpty()
	}
	if count == 0 {
		return b // branch with only a value, no children: keep as-is
	}
	if count == 1 && b.Value == nil {
		switch only.Kind {
		case KindLeaf:
			return NewLeaf(append([]byte{onlyIdx}, only.Key...), only.Value)
		case KindExtension:
			return NewExtension(append([]byte{onlyIdx}, only.Key...), only.Next)
		default:
			return NewExtension([]byte{onlyIdx}, only)
		}
	}
	return b
}

// Commit walks the (possibly lazily-resolved) root bottom-up, computing
// and memoising every dirty node's hash, staging each into the cache's
// dirty write set, and returns the new root hash. Callers then call
// cache.Commit(batch, encode) to flush the write set atomically alongside
// the rest of a persist_block batch.
func (t *Trie) Commit() (types.U256, error) {
	root, err := t.commit(t.root)
	if err != nil {
		return types.U256{}, err
	}
	t.root = root
	if root.IsEmpty() {
		return types.ZeroU256, nil
	}
	return root.Hash(t.sha256), nil
}

func (t *Trie) commit(n *Node) (*Node, error) {
	switch n.Kind {
	case KindBranch:
		for i, c := range n.Children {
			if c == nil {
				continue
			}
			resolved, err := t.resolve(c)
			if err != nil {
				return nil, err
			}
			committed, err := t.commit(resolved)
			if err != nil {
				return nil, err
			}
			n.Children[i] = committed.AsChildRef(t.sha256)
		}
		h := n.Hash(t.sha256)
		t.cache.PutDirty(h, n)
		return n, nil

	case KindExtension:
		resolved, err := t.resolve(n.Next)
		if err != nil {
			return nil, err
		}
		committed, err := t.commit(resolved)
		if err != nil {
			return nil, err
		}
		n.Next = committed.AsChildRef(t.sha256)
		h := n.Hash(t.sha256)
		t.cache.PutDirty(h, n)
		return n, nil

	case KindLeaf:
		h := n.Hash(t.sha256)
		t.cache.PutDirty(h, n)
		return n, nil

	default: // Hash, Empty: already canonical
		return n, nil
	}
}

// Encode exposes node.encode for the cache's Commit flush step.
func Encode(n *Node) []byte { return n.encode() }
