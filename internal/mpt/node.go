// Package mpt implements the Modified Patricia Trie state engine: a
// nibble-keyed radix trie over Branch/Extension/Leaf/Hash/Empty
// nodes, with an LRU read cache and a dirty write set sitting in front of
// the KV Store.
package mpt

import (
	"encoding/binary"

	"github.com/n3toric/corenode/internal/types"
)

// Kind is the discriminant of a trie Node, matching the five node
// varieties of the original state-trie design.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindHash
	KindBranch
	KindExtension
	KindLeaf
)

const branchChildCount = 16

// Node is a single MPT trie node. Only the fields relevant to Kind are
// populated; the rest are zero values.
type Node struct {
	Kind Kind

	// HashNode
	HashVal types.U256

	// BranchNode: up to 16 children plus an optional value at the
	// branch itself (a key that terminates exactly at this nibble).
	Children [branchChildCount]*Node
	Value    []byte

	// ExtensionNode / LeafNode: the nibble path. Extension additionally
	// carries Next; Leaf's Value field (above) holds its stored value.
	Key  []byte
	Next *Node

	cachedHash *types.U256
}

// NewEmpty returns an Empty node.
func NewEmpty() *Node { return &Node{Kind: KindEmpty} }

// NewHash returns a HashNode pointing at an un-dereferenced child.
func NewHash(h types.U256) *Node { return &Node{Kind: KindHash, HashVal: h} }

// NewBranch returns an empty BranchNode.
func NewBranch() *Node { return &Node{Kind: KindBranch} }

// NewExtension returns an ExtensionNode over key pointing at next.
func NewExtension(key []byte, next *Node) *Node {
	return &Node{Kind: KindExtension, Key: key, Next: next}
}

// NewLeaf returns a LeafNode storing value at the remaining path key.
func NewLeaf(key, value []byte) *Node {
	return &Node{Kind: KindLeaf, Key: key, Value: value}
}

// IsEmpty reports whether n is the Empty node (or nil, treated the same).
func (n *Node) IsEmpty() bool { return n == nil || n.Kind == KindEmpty }

// SetDirty clears the memoised hash, forcing Hash to recompute.
func (n *Node) SetDirty() { n.cachedHash = nil }

// encode serializes the node the same way as the reference trie: a type
// tag byte followed by a kind-specific body, with child nodes always
// referenced by their hash (never inlined), so a node's encoding depends
// only on its immediate children's hashes.
func (n *Node) encode() []byte {
	switch n.Kind {
	case KindBranch:
		out := make([]byte, 0, 1+branchChildCount*33+5+len(n.Value))
		out = append(out, 0x00)
		for _, c := range n.Children {
			if c != nil && !c.IsEmpty() {
				out = append(out, 0x01)
				h := c.cachedHash
				if c.Kind == KindHash {
					h = &c.HashVal
				}
				if h == nil {
					// Unresolved children must be hashed before their
					// parent is encoded; Commit() enforces bottom-up order.
					var zero types.U256
					h = &zero
				}
				out = append(out, h[:]...)
			} else {
				out = append(out, 0x00)
			}
		}
		if n.Value != nil {
			out = append(out, 0x01)
			out = appendU32LE(out, uint32(len(n.Value)))
			out = append(out, n.Value...)
		} else {
			out = append(out, 0x00)
		}
		return out

	case KindExtension:
		out := make([]byte, 0, 1+4+len(n.Key)+32)
		out = append(out, 0x01)
		out = appendU32LE(out, uint32(len(n.Key)))
		out = append(out, n.Key...)
		var h types.U256
		if n.Next != nil && n.Next.Kind == KindHash {
			h = n.Next.HashVal
		} else if n.Next != nil && n.Next.cachedHash != nil {
			h = *n.Next.cachedHash
		}
		out = append(out, h[:]...)
		return out

	case KindLeaf:
		out := make([]byte, 0, 1+4+len(n.Key)+4+len(n.Value))
		out = append(out, 0x02)
		out = appendU32LE(out, uint32(len(n.Key)))
		out = append(out, n.Key...)
		out = appendU32LE(out, uint32(len(n.Value)))
		out = append(out, n.Value...)
		return out

	case KindHash:
		out := make([]byte, 0, 33)
		out = append(out, 0x03)
		out = append(out, n.HashVal[:]...)
		return out

	default: // KindEmpty
		return []byte{0x04}
	}
}

func appendU32LE(out []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(out, b[:]...)
}

// Hash returns the node's content hash, a single SHA-256 of its encoding
// (grounded on the reference trie's Node::hash, which uses one round of
// SHA-256 rather than the double round used for blocks/transactions).
// Children must already have been hashed (see Commit's post-order walk).
func (n *Node) Hash(sha256 func([]byte) types.U256) types.U256 {
	if n.Kind == KindHash {
		return n.HashVal
	}
	if n.cachedHash != nil {
		return *n.cachedHash
	}
	h := sha256(n.encode())
	n.cachedHash = &h
	return h
}

// Clone returns a shallow copy suitable for copy-on-write mutation: the
// Children array is copied but individual child pointers are shared until
// a path through them is itself mutated.
func (n *Node) Clone() *Node {
	cp := *n
	cp.cachedHash = nil
	return &cp
}

// AsChildRef returns the node as it should be referenced from a parent:
// Branch/Extension/Leaf nodes collapse to a HashNode (forcing children to
// be dereferenced through the cache), while Hash/Empty pass through.
func (n *Node) AsChildRef(sha256 func([]byte) types.U256) *Node {
	switch n.Kind {
	case KindBranch, KindExtension, KindLeaf:
		return NewHash(n.Hash(sha256))
	default:
		return n
	}
}

// BytesToNibbles expands a byte slice into its big-endian nibble sequence,
// the path alphabet the trie keys on (16-way branching).
func BytesToNibbles(b []byte) []byte {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = c >> 4
		out[i*2+1] = c & 0x0F
	}
	return out
}

// commonPrefixLen returns the length of the shared prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
