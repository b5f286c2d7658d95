package types

import "fmt"

// Transaction is the Neo N3 transaction envelope.
type Transaction struct {
	Version         uint8
	Nonce           uint32
	SystemFee       int64
	NetworkFee      int64
	ValidUntilBlock uint32
	Signers         []Signer
	Attributes      []Attribute
	Script          []byte
	Witnesses       []Witness

	hash *U256 // memoised; cleared by any field mutation via SetDirty
}

// SetDirty clears the memoised hash after in-place field mutation. Callers
// that build a Transaction via struct literal never need this; it exists so
// decoders that mutate-then-hash behave correctly.
func (t *Transaction) SetDirty() { t.hash = nil }

// Validate checks the structural invariants: version,
// size caps, signer/witness arity, and attribute/signer duplicate rules. It
// does not perform fee, temporal, uniqueness, or witness verification --
// those belong to the Tx Verifier (internal/txverify).
func (t *Transaction) Validate() error {
	if t.Version != TransactionVersion {
		return fmt.Errorf("tx: version %d != %d", t.Version, TransactionVersion)
	}
	if t.SystemFee < 0 {
		return fmt.Errorf("tx: system_fee negative")
	}
	if t.NetworkFee < 0 {
		return fmt.Errorf("tx: network_fee negative")
	}
	if len(t.Signers) == 0 || len(t.Signers) > MaxSigners {
		return fmt.Errorf("tx: signers count %d out of range 1..%d", len(t.Signers), MaxSigners)
	}
	seen := make(map[U160]bool, len(t.Signers))
	for _, s := range t.Signers {
		if seen[s.Account] {
			return fmt.Errorf("tx: duplicate signer account %s", s.Account)
		}
		seen[s.Account] = true
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if err := ValidateAttributes(t.Attributes); err != nil {
		return err
	}
	if len(t.Script) == 0 || len(t.Script) > MaxScriptLength {
		return fmt.Errorf("tx: script length %d out of range 1..%d", len(t.Script), MaxScriptLength)
	}
	if len(t.Witnesses) != len(t.Signers) {
		return fmt.Errorf("tx: witnesses count %d != signers count %d", len(t.Witnesses), len(t.Signers))
	}
	for i := range t.Witnesses {
		if err := t.Witnesses[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Sender returns the account of the first signer, by convention the fee
// payer.
func (t *Transaction) Sender() U160 {
	if len(t.Signers) == 0 {
		return U160{}
	}
	return t.Signers[0].Account
}

// Size returns the serialized size in bytes (witnesses included), used for
// the MAX_BLOCK_SIZE and network-fee-per-byte checks.
func (t *Transaction) Size() int { return len(t.encode(true)) }

// encode serializes every field, witnesses only when withWitnesses is set;
// the witness-free form derives the transaction hash.
func (t *Transaction) encode(withWitnesses bool) []byte {
	w := NewWriter()
	w.U8(t.Version)
	w.U32(t.Nonce)
	w.I64(t.SystemFee)
	w.I64(t.NetworkFee)
	w.U32(t.ValidUntilBlock)

	w.VarUint(uint64(len(t.Signers)))
	for _, s := range t.Signers {
		w.Bytes20(s.Account)
		w.U8(uint8(s.Scopes))
		w.VarUint(uint64(len(s.AllowedContracts)))
		for _, c := range s.AllowedContracts {
			w.Bytes20(c)
		}
		w.VarUint(uint64(len(s.AllowedGroups)))
		for _, g := range s.AllowedGroups {
			w.VarBytes(g)
		}
		w.VarUint(uint64(len(s.Rules)))
		for _, r := range s.Rules {
			w.U8(uint8(r.Action))
			w.VarBytes(r.Condition)
		}
	}

	w.VarUint(uint64(len(t.Attributes)))
	for _, a := range t.Attributes {
		w.U8(uint8(a.Kind))
		w.VarBytes(a.Data)
	}

	w.VarBytes(t.Script)

	if withWitnesses {
		w.VarUint(uint64(len(t.Witnesses)))
		for _, wit := range t.Witnesses {
			w.VarBytes(wit.InvocationScript)
			w.VarBytes(wit.VerificationScript)
		}
	}
	return w.Bytes()
}

// Hash returns SHA256(SHA256(unsigned_form)), memoising the
// result until the next SetDirty call.
func (t *Transaction) Hash(h256d func([]byte) U256) U256 {
	if t.hash != nil {
		return *t.hash
	}
	sum := h256d(t.encode(false))
	t.hash = &sum
	return sum
}

// FeePerByte returns network_fee / size, used by MemPool eviction ordering
// .
func (t *Transaction) FeePerByte() float64 {
	sz := t.Size()
	if sz == 0 {
		return 0
	}
	return float64(t.NetworkFee) / float64(sz)
}

// Encode returns the full wire encoding (witnesses included), the form
// persisted under the Tx column.
func (t *Transaction) Encode() []byte { return t.encode(true) }

// DecodeTransaction parses the wire encoding produced by Encode.
func DecodeTransaction(b []byte) (*Transaction, error) {
	r := NewReader(b)
	t := &Transaction{
		Version:         r.U8(),
		Nonce:           r.U32(),
		SystemFee:       r.I64(),
		NetworkFee:      r.I64(),
		ValidUntilBlock: r.U32(),
	}
	nSigners := r.VarUint()
	t.Signers = make([]Signer, nSigners)
	for i := range t.Signers {
		t.Signers[i].Account = r.Bytes20()
		t.Signers[i].Scopes = WitnessScope(r.U8())
		nc := r.VarUint()
		t.Signers[i].AllowedContracts = make([]U160, nc)
		for j := range t.Signers[i].AllowedContracts {
			t.Signers[i].AllowedContracts[j] = r.Bytes20()
		}
		ng := r.VarUint()
		t.Signers[i].AllowedGroups = make([]PubKey, ng)
		for j := range t.Signers[i].AllowedGroups {
			t.Signers[i].AllowedGroups[j] = PubKey(r.VarBytesMax(uint64(MaxScriptLength)))
		}
		nr := r.VarUint()
		t.Signers[i].Rules = make([]WitnessRule, nr)
		for j := range t.Signers[i].Rules {
			t.Signers[i].Rules[j].Action = WitnessRuleAction(r.U8())
			t.Signers[i].Rules[j].Condition = r.VarBytesMax(uint64(MaxScriptLength))
		}
	}
	nAttrs := r.VarUint()
	t.Attributes = make([]Attribute, nAttrs)
	for i := range t.Attributes {
		t.Attributes[i].Kind = AttributeKind(r.U8())
		t.Attributes[i].Data = r.VarBytesMax(uint64(MaxScriptLength))
	}
	t.Script = r.VarBytesMax(uint64(MaxScriptLength))
	nWit := r.VarUint()
	t.Witnesses = make([]Witness, nWit)
	for i := range t.Witnesses {
		t.Witnesses[i].InvocationScript = r.VarBytesMax(uint64(MaxScriptLength))
		t.Witnesses[i].VerificationScript = r.VarBytesMax(uint64(MaxScriptLength))
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return t, nil
}
