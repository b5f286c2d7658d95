package types

import "fmt"

// WitnessScope is a bitflag set describing which parts of a transaction a
// signer's witness is allowed to authorize.
type WitnessScope uint8

const (
	ScopeNone            WitnessScope = 0
	ScopeCalledByEntry   WitnessScope = 1 << 0
	ScopeCustomContracts WitnessScope = 1 << 4
	ScopeCustomGroups    WitnessScope = 1 << 5
	ScopeRules           WitnessScope = 1 << 6
	ScopeGlobal          WitnessScope = 1 << 7
)

// WitnessRuleAction is the effect of a matched WitnessRule condition.
type WitnessRuleAction uint8

const (
	RuleDeny  WitnessRuleAction = 0
	RuleAllow WitnessRuleAction = 1
)

// WitnessRule pairs a boolean condition (opaque to this layer; evaluated by
// the VM collaborator) with an allow/deny action.
type WitnessRule struct {
	Action    WitnessRuleAction
	Condition []byte // serialized condition expression
}

// Signer authorizes a transaction within the scopes it declares.
type Signer struct {
	Account          U160
	Scopes           WitnessScope
	AllowedContracts []U160
	AllowedGroups    []PubKey
	Rules            []WitnessRule
}

// PubKey is a compressed (33-byte) or uncompressed (65-byte) EC public key.
type PubKey []byte

// Validate enforces the scope invariants: Global forbids
// allowed lists; CustomContracts/CustomGroups/Rules each require a
// non-empty corresponding list.
func (s Signer) Validate() error {
	if s.Scopes&ScopeGlobal != 0 {
		if len(s.AllowedContracts) > 0 || len(s.AllowedGroups) > 0 || len(s.Rules) > 0 {
			return fmt.Errorf("signer %s: Global scope forbids allowed lists", s.Account)
		}
	}
	if s.Scopes&ScopeCustomContracts != 0 && len(s.AllowedContracts) == 0 {
		return fmt.Errorf("signer %s: CustomContracts scope requires allowed_contracts", s.Account)
	}
	if s.Scopes&ScopeCustomGroups != 0 && len(s.AllowedGroups) == 0 {
		return fmt.Errorf("signer %s: CustomGroups scope requires allowed_groups", s.Account)
	}
	if s.Scopes&ScopeRules != 0 && len(s.Rules) == 0 {
		return fmt.Errorf("signer %s: Rules scope requires rules", s.Account)
	}
	return nil
}

// Witness carries the invocation and verification scripts that authorize a
// Signer. The account it authorizes is Hash160(verification) for
// a standard witness, or the contract hash when verification is empty
// (deployed-contract witness).
type Witness struct {
	InvocationScript   []byte
	VerificationScript []byte
}

// Validate checks the size bounds on both scripts.
func (w Witness) Validate() error {
	if len(w.InvocationScript) > MaxScriptLength {
		return fmt.Errorf("witness: invocation script exceeds %d bytes", MaxScriptLength)
	}
	if len(w.VerificationScript) > MaxScriptLength {
		return fmt.Errorf("witness: verification script exceeds %d bytes", MaxScriptLength)
	}
	return nil
}

// AttributeKind enumerates the kinds of transaction attribute.
type AttributeKind uint8

const (
	AttrHighPriority   AttributeKind = 0x01
	AttrOracleResponse AttributeKind = 0x11
	AttrNotValidBefore AttributeKind = 0x20
	AttrConflicts      AttributeKind = 0x21
)

// exclusive reports whether at most one attribute of this kind may appear
// on a transaction.
func (k AttributeKind) exclusive() bool {
	switch k {
	case AttrHighPriority, AttrOracleResponse, AttrNotValidBefore:
		return true
	default:
		return false
	}
}

// Attribute is an opaque-to-this-layer transaction attribute; Data is the
// kind-specific encoded payload (e.g. an OracleResponse id, or a Conflicts
// tx hash).
type Attribute struct {
	Kind AttributeKind
	Data []byte
}

// ValidateAttributes checks the attribute count bound and the
// exclusive-kind duplicate rule.
func ValidateAttributes(attrs []Attribute) error {
	if len(attrs) > MaxAttributes {
		return fmt.Errorf("attributes: %d exceeds max %d", len(attrs), MaxAttributes)
	}
	seen := make(map[AttributeKind]bool, len(attrs))
	for _, a := range attrs {
		if a.Kind.exclusive() {
			if seen[a.Kind] {
				return fmt.Errorf("attributes: duplicate exclusive kind %#x", a.Kind)
			}
			seen[a.Kind] = true
		}
	}
	return nil
}
