package types

import "fmt"

// BlockHeader is the fixed-size portion of a block.
type BlockHeader struct {
	Version       uint32 // always HeaderVersion
	PrevHash      U256
	MerkleRoot    U256
	TimestampMs   uint64
	Nonce         uint64
	Index         uint32
	PrimaryIndex  uint8
	NextConsensus U160
	Witness       Witness

	hash *U256
}

// SetDirty clears the memoised hash after in-place mutation.
func (h *BlockHeader) SetDirty() { h.hash = nil }

// encode serializes every field except the witness, matching the Neo
// "unsigned header" convention used to derive the block hash (mirrors
// Transaction's unsigned-form convention).
func (h *BlockHeader) encode() []byte {
	w := NewWriter()
	w.U32(h.Version)
	w.Bytes32(h.PrevHash)
	w.Bytes32(h.MerkleRoot)
	w.U64(h.TimestampMs)
	w.U64(h.Nonce)
	w.U32(h.Index)
	w.U8(h.PrimaryIndex)
	w.Bytes20(h.NextConsensus)
	return w.Bytes()
}

// Hash returns SHA256(SHA256(unsigned_header)), memoised. Takes
// the hasher as a parameter rather than importing internal/crypto, since
// internal/crypto imports internal/types for its U256/U160 return types.
func (h *BlockHeader) Hash(h256d func([]byte) U256) U256 {
	if h.hash != nil {
		return *h.hash
	}
	sum := h256d(h.encode())
	h.hash = &sum
	return sum
}

// Validate checks the header-level structural invariants:
// version pin and clock-drift-independent field shape. Ancestry (prev_hash
// matches tip), timestamp monotonicity, primary_index range, and merkle
// root agreement with the transaction set are cross-cutting checks left to
// the Block Validator, which has access to chain state.
func (h *BlockHeader) Validate() error {
	if h.Version != HeaderVersion {
		return fmt.Errorf("header: version %d != %d", h.Version, HeaderVersion)
	}
	if err := h.Witness.Validate(); err != nil {
		return err
	}
	return nil
}

// Block is a header plus its ordered transaction list.
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
}

// Validate enforces the block-level structural caps:
// transaction count and total serialized size. Merkle root agreement,
// per-tx verification, and primary/witness checks belong to the Block
// Validator.
func (b *Block) Validate() error {
	if err := b.Header.Validate(); err != nil {
		return err
	}
	if len(b.Transactions) > MaxTransactionsPerBlock {
		return fmt.Errorf("block: %d transactions exceeds max %d", len(b.Transactions), MaxTransactionsPerBlock)
	}
	if b.Size() > MaxBlockSize {
		return fmt.Errorf("block: size %d exceeds max %d", b.Size(), MaxBlockSize)
	}
	return nil
}

// Size returns the approximate serialized size: header's fixed encoding
// plus witness plus each transaction's signed size.
func (b *Block) Size() int {
	sz := len(b.Header.encode())
	w := NewWriter()
	w.VarBytes(b.Header.Witness.InvocationScript)
	w.VarBytes(b.Header.Witness.VerificationScript)
	sz += len(w.Bytes())
	for i := range b.Transactions {
		sz += b.Transactions[i].Size()
	}
	return sz
}

// TxHashes returns the hash of every transaction in order, the input to
// the merkle root computation.
func (b *Block) TxHashes(h256d func([]byte) U256) []U256 {
	out := make([]U256, len(b.Transactions))
	for i := range b.Transactions {
		out[i] = b.Transactions[i].Hash(h256d)
	}
	return out
}

// EncodeHeader returns the full wire encoding of h, witness included (the
// form persisted under the Header column).
func (h *BlockHeader) EncodeHeader() []byte {
	w := NewWriter()
	w.Write(h.encode())
	w.VarBytes(h.Witness.InvocationScript)
	w.VarBytes(h.Witness.VerificationScript)
	return w.Bytes()
}

// DecodeHeader parses the wire encoding produced by EncodeHeader.
func DecodeHeader(b []byte) (*BlockHeader, error) {
	r := NewReader(b)
	h := &BlockHeader{
		Version:     r.U32(),
		PrevHash:    r.Bytes32(),
		MerkleRoot:  r.Bytes32(),
		TimestampMs: r.U64(),
		Nonce:       r.U64(),
		Index:       r.U32(),
	}
	h.PrimaryIndex = r.U8()
	h.NextConsensus = r.Bytes20()
	h.Witness.InvocationScript = r.VarBytesMax(uint64(MaxScriptLength))
	h.Witness.VerificationScript = r.VarBytesMax(uint64(MaxScriptLength))
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Encode returns the full wire encoding of the block: header then each
// transaction (the form persisted under the Block column).
func (b *Block) Encode() []byte {
	w := NewWriter()
	w.Write(b.Header.EncodeHeader())
	w.VarUint(uint64(len(b.Transactions)))
	for i := range b.Transactions {
		w.VarBytes(b.Transactions[i].Encode())
	}
	return w.Bytes()
}

// DecodeBlock parses the wire encoding produced by Block.Encode.
func DecodeBlock(raw []byte) (*Block, error) {
	r := NewReader(raw)
	// Header has no fixed length prefix, so decode it directly off the
	// same reader rather than round-tripping through DecodeHeader.
	h := &BlockHeader{
		Version:     r.U32(),
		PrevHash:    r.Bytes32(),
		MerkleRoot:  r.Bytes32(),
		TimestampMs: r.U64(),
		Nonce:       r.U64(),
		Index:       r.U32(),
	}
	h.PrimaryIndex = r.U8()
	h.NextConsensus = r.Bytes20()
	h.Witness.InvocationScript = r.VarBytesMax(uint64(MaxScriptLength))
	h.Witness.VerificationScript = r.VarBytesMax(uint64(MaxScriptLength))
	n := r.VarUint()
	txs := make([]Transaction, n)
	for i := range txs {
		raw := r.VarBytesMax(uint64(MaxBlockSize))
		if r.Err() != nil {
			break
		}
		tx, err := DecodeTransaction(raw)
		if err != nil {
			return nil, fmt.Errorf("decode block: tx %d: %w", i, err)
		}
		txs[i] = *tx
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &Block{Header: *h, Transactions: txs}, nil
}
