package types

import "testing"

func sampleHeader() BlockHeader {
	return BlockHeader{
		Version:       HeaderVersion,
		Index:         1,
		TimestampMs:   1000,
		NextConsensus: U160{9},
		Witness:       Witness{InvocationScript: []byte{0x0c}, VerificationScript: []byte{0x0c}},
	}
}

func TestBlockHeaderHashMemoisedAndDirtyInvalidates(t *testing.T) {
	calls := 0
	hasher := func(b []byte) U256 {
		calls++
		return Sha256dStub(b)
	}
	h := sampleHeader()
	first := h.Hash(hasher)
	second := h.Hash(hasher)
	if first != second || calls != 1 {
		t.Fatalf("expected memoised hash, got %d calls", calls)
	}
	h.Index = 2
	h.SetDirty()
	third := h.Hash(hasher)
	if third == first {
		t.Fatalf("expected hash to change after index mutation + SetDirty")
	}
	if calls != 2 {
		t.Fatalf("expected hasher called again after SetDirty, got %d calls", calls)
	}
}

// Sha256dStub avoids importing internal/crypto from a types test (which
// would create the same cycle internal/types' non-test code avoids); it
// only needs to behave like a deterministic hash for this test's purposes.
func Sha256dStub(b []byte) U256 {
	var out U256
	for i, c := range b {
		out[i%32] ^= c
	}
	return out
}

func TestBlockValidateRejectsOversizeTxCount(t *testing.T) {
	b := &Block{Header: sampleHeader()}
	b.Transactions = make([]Transaction, MaxTransactionsPerBlock+1)
	for i := range b.Transactions {
		b.Transactions[i] = *sampleTx()
	}
	if err := b.Validate(); err == nil {
		t.Fatalf("expected transaction-count cap to be enforced")
	}
}

func TestBlockTxHashesOrderedAndIndependentOfBlockHash(t *testing.T) {
	second := sampleTx()
	second.Nonce = 2
	b := &Block{Header: sampleHeader(), Transactions: []Transaction{*sampleTx(), *second}}
	hashes := b.TxHashes(Sha256dStub)
	if len(hashes) != 2 {
		t.Fatalf("expected 2 tx hashes, got %d", len(hashes))
	}
	for i := range b.Transactions {
		if hashes[i] != b.Transactions[i].Hash(Sha256dStub) {
			t.Fatalf("tx hash %d does not match transaction %d", i, i)
		}
	}
	b.Header.Index = 2
	b.Header.SetDirty()
	again := b.TxHashes(Sha256dStub)
	if again[0] != hashes[0] || again[1] != hashes[1] {
		t.Fatalf("tx hashes changed with the block header")
	}
}
