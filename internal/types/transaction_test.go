package types

import "testing"

func sampleTx() *Transaction {
	return &Transaction{
		Version:         TransactionVersion,
		Nonce:           1,
		SystemFee:       100,
		NetworkFee:      10,
		ValidUntilBlock: 1000,
		Signers: []Signer{
			{Account: U160{1}, Scopes: ScopeCalledByEntry},
		},
		Attributes: nil,
		Script:     []byte{0x51}, // PUSH1
		Witnesses: []Witness{
			{InvocationScript: []byte{0x0c}, VerificationScript: []byte{0x0c}},
		},
	}
}

func TestTransactionValidateAccepts(t *testing.T) {
	tx := sampleTx()
	if err := tx.Validate(); err != nil {
		t.Fatalf("expected valid tx, got %v", err)
	}
}

func TestTransactionValidateRejectsWrongVersion(t *testing.T) {
	tx := sampleTx()
	tx.Version = TransactionVersion + 1
	if err := tx.Validate(); err == nil {
		t.Fatalf("expected version mismatch to be rejected")
	}
}

func TestTransactionValidateRejectsWitnessSignerMismatch(t *testing.T) {
	tx := sampleTx()
	tx.Witnesses = nil
	if err := tx.Validate(); err == nil {
		t.Fatalf("expected witness/signer count mismatch to be rejected")
	}
}

func TestTransactionValidateRejectsDuplicateSigner(t *testing.T) {
	tx := sampleTx()
	tx.Signers = append(tx.Signers, tx.Signers[0])
	tx.Witnesses = append(tx.Witnesses, tx.Witnesses[0])
	if err := tx.Validate(); err == nil {
		t.Fatalf("expected duplicate signer account to be rejected")
	}
}

func TestTransactionHashIsMemoisedAndExcludesWitnesses(t *testing.T) {
	calls := 0
	hasher := func(b []byte) U256 {
		calls++
		var out U256
		out[0] = byte(len(b))
		return out
	}
	tx := sampleTx()
	h1 := tx.Hash(hasher)
	h2 := tx.Hash(hasher)
	if h1 != h2 {
		t.Fatalf("expected memoised hash to be stable")
	}
	if calls != 1 {
		t.Fatalf("expected hasher invoked once due to memoisation, got %d calls", calls)
	}

	unsignedLen := len(tx.encode(false))
	tx.Witnesses[0].InvocationScript = append(tx.Witnesses[0].InvocationScript, 0xFF, 0xFF, 0xFF)
	tx.SetDirty()
	h3 := tx.Hash(hasher)
	if h3 != h1 {
		t.Fatalf("expected hash to be unaffected by a witness-only mutation, since witnesses are excluded from the hashed form")
	}
	if int(h3[0]) != unsignedLen {
		t.Fatalf("expected hasher to receive the unsigned encoding length %d, got %d", unsignedLen, h3[0])
	}
}

func TestSignerValidateGlobalScopeForbidsAllowedLists(t *testing.T) {
	s := Signer{Account: U160{1}, Scopes: ScopeGlobal, AllowedContracts: []U160{{2}}}
	if err := s.Validate(); err == nil {
		t.Fatalf("expected Global scope with allowed_contracts to be rejected")
	}
}

func TestSignerValidateCustomContractsRequiresList(t *testing.T) {
	s := Signer{Account: U160{1}, Scopes: ScopeCustomContracts}
	if err := s.Validate(); err == nil {
		t.Fatalf("expected CustomContracts scope without allowed_contracts to be rejected")
	}
}

func TestValidateAttributesRejectsDuplicateExclusiveKind(t *testing.T) {
	attrs := []Attribute{{Kind: AttrHighPriority}, {Kind: AttrHighPriority}}
	if err := ValidateAttributes(attrs); err == nil {
		t.Fatalf("expected duplicate exclusive attribute kind to be rejected")
	}
}
