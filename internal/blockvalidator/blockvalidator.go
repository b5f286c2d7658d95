// Package blockvalidator implements the per-block acceptance pipeline:
// header invariants, merkle-root agreement, primary/witness
// checks against the preceding block's next-consensus account, per-
// transaction verification, and the duplicate/size caps. Failure at any
// step rejects the whole block; nothing it touches is partially applied
// (the caller's snapshot/fork is discarded).
package blockvalidator

import (
	"fmt"
	"time"

	"github.com/n3toric/corenode/internal/crypto"
	"github.com/n3toric/corenode/internal/txverify"
	"github.com/n3toric/corenode/internal/types"
	"github.com/n3toric/corenode/internal/vm"
)

// Context carries the chain facts a single block's validation needs that
// aren't in the block itself.
type Context struct {
	PrevHeader     *types.BlockHeader
	ValidatorCount int
	View           txverify.ChainView
	NowMs          uint64
}

// Validator runs the block acceptance pipeline.
type Validator struct {
	hash256d func([]byte) types.U256
	txv      *txverify.Verifier
	exec     vm.Executor
}

// New constructs a Validator over hash256d (the double-SHA256 hasher),
// the shared Tx Verifier, and the witness script executor.
func New(hash256d func([]byte) types.U256, txv *txverify.Verifier, exec vm.Executor) *Validator {
	return &Validator{hash256d: hash256d, txv: txv, exec: exec}
}

// Validate runs every check in pipeline order, short-circuiting on the
// first failure.
func (v *Validator) Validate(b *types.Block, ctx Context) error {
	// 1. Structural header/block invariants (version, witness shape, tx
	// count cap, size cap).
	if err := b.Validate(); err != nil {
		return fmt.Errorf("block validate: %w", err)
	}

	// Chain monotonicity.
	prevHash := ctx.PrevHeader.Hash(v.hash256d)
	if b.Header.PrevHash != prevHash {
		return fmt.Errorf("block validate: prev_hash mismatch")
	}
	if b.Header.TimestampMs <= ctx.PrevHeader.TimestampMs {
		return fmt.Errorf("block validate: timestamp %d not after previous %d", b.Header.TimestampMs, ctx.PrevHeader.TimestampMs)
	}
	if ctx.NowMs > 0 {
		drift := int64(b.Header.TimestampMs) - int64(ctx.NowMs)
		if drift < 0 {
			drift = -drift
		}
		if time.Duration(drift)*time.Millisecond > types.MaxClockDrift {
			return fmt.Errorf("block validate: timestamp drift %dms exceeds bound", drift)
		}
	}

	// 2. Primary index range.
	if int(b.Header.PrimaryIndex) >= ctx.ValidatorCount {
		return fmt.Errorf("block validate: primary_index %d >= validator count %d", b.Header.PrimaryIndex, ctx.ValidatorCount)
	}

	// 3. Merkle root agreement.
	txHashes := b.TxHashes(v.hash256d)
	if root := crypto.MerkleRoot(txHashes); root != b.Header.MerkleRoot {
		return fmt.Errorf("block validate: merkle root mismatch")
	}

	// 4. Header witness verified against the preceding block's
	// next_consensus script hash.
	headerHash := b.Header.Hash(v.hash256d)
	w := b.Header.Witness
	script := vm.JoinWitnessScript(w.InvocationScript, w.VerificationScript)
	res, err := v.exec.Execute(script, int64(types.MaxVerificationGas), vm.ReadOnly, vm.Context{MessageHash: headerHash, Account: ctx.PrevHeader.NextConsensus})
	if err != nil {
		return fmt.Errorf("block validate: header witness: %w", err)
	}
	if res.State != vm.Halt {
		return fmt.Errorf("block validate: header witness faulted")
	}

	// 5 & 6. Per-tx verification plus in-block duplicate check.
	seen := make(map[types.U256]bool, len(b.Transactions))
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		h := tx.Hash(v.hash256d)
		if seen[h] {
			return fmt.Errorf("block validate: duplicate tx %s within block", h)
		}
		seen[h] = true
		if err := v.txv.Verify(tx, ctx.View, func(types.U256) bool { return false }); err != nil {
			return fmt.Errorf("block validate: tx %s: %w", h, err)
		}
	}

	// 7. Total size cap already enforced by b.Validate() above.
	return nil
}
