// Package txverify implements the transaction admission pipeline:
// structural checks, temporal validity, chain-uniqueness, fee
// accounting, and per-signer witness verification. It is the single
// gatekeeper both internal/mempool (on admission) and internal/blockvalidator
// (on per-tx block verification) call through, against a snapshot of chain
// state at the point being verified.
package txverify

import (
	"fmt"

	"github.com/n3toric/corenode/internal/crypto"
	"github.com/n3toric/corenode/internal/types"
	"github.com/n3toric/corenode/internal/vm"
)

// ChainView is the read-only chain state a verification pass runs against:
// current height for temporal checks, transaction presence for replay
// protection, and native-GAS balance for fee accounting. Fee schedule
// constants are NOT baked into this package: they are protocol
// constants set by native contracts, read from native contract storage
// at runtime -- FeeSchedule below is the seam for that.
type ChainView interface {
	CurrentHeight() uint32
	ContainsTransaction(hash types.U256) (bool, error)
	GasBalance(account types.U160) (int64, error)
}

// FeeSchedule resolves the runtime-configurable fee constants a
// NativeGAS/NativePolicy contract would otherwise expose.
type FeeSchedule interface {
	NetworkFeePerByte() int64
}

// Verifier runs the five-stage admission pipeline.
type Verifier struct {
	hash256d func([]byte) types.U256
	exec     vm.Executor
	fees     FeeSchedule
}

// New constructs a Verifier. hash256d is the double-SHA256 hasher used for
// transaction/witness message hashes; exec resolves witness scripts.
func New(hash256d func([]byte) types.U256, exec vm.Executor, fees FeeSchedule) *Verifier {
	return &Verifier{hash256d: hash256d, exec: exec, fees: fees}
}

// Reason classifies why Verify rejected a transaction, distinct from the
// generic error return so callers (MemPool, RPC) can surface a stable
// machine-readable code.
type Reason string

const (
	ReasonStructural          Reason = "structural"
	ReasonTemporal            Reason = "temporal"
	ReasonAlreadyKnown        Reason = "already known"
	ReasonAlreadyInChain      Reason = "already in chain"
	ReasonInsufficientFee     Reason = "insufficient fee"
	ReasonInsufficientBalance Reason = "insufficient balance"
	ReasonVerificationFailed  Reason = "verification failed"
)

// RejectionError pairs a stable Reason with the underlying detail.
type RejectionError struct {
	Reason Reason
	Detail error
}

func (e *RejectionError) Error() string { return fmt.Sprintf("%s: %v", e.Reason, e.Detail) }
func (e *RejectionError) Unwrap() error { return e.Detail }

func reject(reason Reason, detail error) error {
	return &RejectionError{Reason: reason, Detail: detail}
}

// Verify runs all five pipeline stages against view. knownHashes, when
// non-nil, is consulted for mempool-local duplicate detection (stage 3
// also checks the persisted chain via view.ContainsTransaction).
func (v *Verifier) Verify(tx *types.Transaction, view ChainView, knownHashes func(types.U256) bool) error {
	// 1. Structural.
	if err := tx.Validate(); err != nil {
		return reject(ReasonStructural, err)
	}

	// 2. Temporal.
	height := view.CurrentHeight()
	if tx.ValidUntilBlock <= height || tx.ValidUntilBlock > height+types.MaxValidUntilBlockIncrement {
		return reject(ReasonTemporal, fmt.Errorf("valid_until_block %d out of range (%d, %d]", tx.ValidUntilBlock, height, height+types.MaxValidUntilBlockIncrement))
	}

	hash := tx.Hash(v.hash256d)

	// 3. Uniqueness.
	if knownHashes != nil && knownHashes(hash) {
		return reject(ReasonAlreadyKnown, fmt.Errorf("tx %s already known", hash))
	}
	inChain, err := view.ContainsTransaction(hash)
	if err != nil {
		return err
	}
	if inChain {
		return reject(ReasonAlreadyInChain, fmt.Errorf("tx %s already persisted", hash))
	}

	// 4. Fees.
	minNetworkFee := v.fees.NetworkFeePerByte() * int64(tx.Size())
	if tx.NetworkFee < minNetworkFee {
		return reject(ReasonInsufficientFee, fmt.Errorf("network_fee %d below required %d", tx.NetworkFee, minNetworkFee))
	}
	balance, err := view.GasBalance(tx.Sender())
	if err != nil {
		return err
	}
	required := tx.NetworkFee + tx.SystemFee
	if balance < required {
		return reject(ReasonInsufficientBalance, fmt.Errorf("sender balance %d below required %d", balance, required))
	}

	// 5. Witness verify.
	if err := v.verifyWitnesses(tx, hash); err != nil {
		return reject(ReasonVerificationFailed, err)
	}
	return nil
}

func (v *Verifier) verifyWitnesses(tx *types.Transaction, msgHash types.U256) error {
	remainingGas := int64(types.MaxVerificationGas)
	for i, signer := range tx.Signers {
		w := tx.Witnesses[i]
		account := accountForWitness(w, signer.Account)
		if account != signer.Account {
			return fmt.Errorf("witness %d: script hash does not authorize signer %s", i, signer.Account)
		}
		script := vm.JoinWitnessScript(w.InvocationScript, w.VerificationScript)
		res, err := v.exec.Execute(script, remainingGas, vm.ReadOnly, vm.Context{MessageHash: msgHash, Account: account})
		if err != nil {
			return fmt.Errorf("witness %d: %w", i, err)
		}
		if res.State != vm.Halt {
			return fmt.Errorf("witness %d: verification script faulted", i)
		}
		remainingGas -= res.GasConsumed
		if remainingGas < 0 {
			return fmt.Errorf("witness %d: exceeded verification gas budget", i)
		}
	}
	return nil
}

// accountForWitness resolves the account a witness authorizes: the hash of
// its verification script, or -- for a contract-account witness with an
// empty verification script -- the signer's declared account directly
// (the contract hash, for deployed contract accounts).
func accountForWitness(w types.Witness, declared types.U160) types.U160 {
	if len(w.VerificationScript) == 0 {
		return declared
	}
	return crypto.Hash160(w.VerificationScript)
}
