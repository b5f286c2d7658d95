// Package vm defines the black-box script execution collaborator the
// node calls into for witness verification and contract invocation:
// execute(script, gas_limit) -> {halt|fault, consumed_gas,
// result_stack}. The full bytecode
// interpreter is explicitly out of scope; this package supplies the
// Executor interface every caller (internal/txverify, internal/ledger)
// programs against, plus a StandardExecutor that evaluates the two
// witness-script shapes the node itself needs to recognize without a full
// VM: single-signature and m-of-n multisignature verification accounts.
package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/n3toric/corenode/internal/crypto"
	"github.com/n3toric/corenode/internal/types"
)

// State is the terminal outcome of a script execution.
type State uint8

const (
	Halt State = iota
	Fault
)

// CallFlags restricts what a script invocation may do (storage writes,
// further calls, etc.); the standard verification path never needs more
// than ReadOnly, but the type is threaded through so a future full VM slots
// in without an interface change.
type CallFlags uint8

const (
	ReadOnly CallFlags = 0
	All      CallFlags = 0xFF
)

// Notification is an emitted contract event; standard-account verification
// never produces any, but Result always carries the slice so callers don't
// special-case it.
type Notification struct {
	ScriptHash types.U160
	EventName  string
	State      []byte
}

// Context carries the information a verification script needs that isn't
// part of the script bytes themselves: the hash the witness signs over,
// and (for contract-account witnesses) the account being authorized.
type Context struct {
	MessageHash types.U256
	Account     types.U160
}

// Result is the uniform outcome of Execute.
type Result struct {
	State         State
	GasConsumed   int64
	ResultStack   [][]byte
	Notifications []Notification
}

// Executor is the collaborator interface the core programs against.
type Executor interface {
	Execute(script []byte, gasLimit int64, flags CallFlags, ctx Context) (Result, error)
}

// Script tags recognized by StandardExecutor. These are this node's own
// minimal encoding for the two witness-account shapes Tx/Block
// verification must resolve without a full interpreter; they are not NeoVM
// opcodes.
const (
	tagSingleSig uint8 = 0x00
	tagMultiSig  uint8 = 0x01
)

const gasPerSigCheck = 1_000_000

// StandardExecutor evaluates the single-sig and m-of-n multisig
// verification scripts the consensus validator set and ordinary accounts
// use, delegating the actual cryptography to internal/crypto
// (VerifySignature), so the ec_recover/secp256k1 code path the earlier
// review flagged as unreachable now has a real caller.
type StandardExecutor struct{}

// NewStandardExecutor constructs the default Executor.
func NewStandardExecutor() *StandardExecutor { return &StandardExecutor{} }

// Execute interprets script as invocation-bytes ++ verification-bytes,
// per the Witness convention: the verification half
// declares a signer shape, the invocation half supplies the signature(s).
func (StandardExecutor) Execute(script []byte, gasLimit int64, flags CallFlags, ctx Context) (Result, error) {
	inv, ver, err := splitWitnessScript(script)
	if err != nil {
		return Result{State: Fault}, err
	}
	switch len(ver) > 0 && ver[0] == tagMultiSig {
	case true:
		return execMultiSig(inv, ver, gasLimit, ctx)
	default:
		return execSingleSig(inv, ver, gasLimit, ctx)
	}
}

// splitWitnessScript decodes the wire form written by this package's
// JoinWitnessScript: a 4-byte LE length prefix
// on the invocation half followed directly by the verification half.
func splitWitnessScript(script []byte) (inv, ver []byte, err error) {
	if len(script) < 4 {
		return nil, nil, fmt.Errorf("vm: script too short")
	}
	n := binary.LittleEndian.Uint32(script[:4])
	if uint64(4+n) > uint64(len(script)) {
		return nil, nil, fmt.Errorf("vm: invocation length %d exceeds script", n)
	}
	return script[4 : 4+n], script[4+n:], nil
}

func execSingleSig(inv, ver []byte, gasLimit int64, ctx Context) (Result, error) {
	if len(ver) < 2 {
		return Result{State: Fault}, fmt.Errorf("vm: verification script too short")
	}
	if ver[0] != tagSingleSig {
		return Result{State: Fault}, fmt.Errorf("vm: unexpected tag %#x", ver[0])
	}
	curve := crypto.Curve(ver[1])
	pubKey := ver[2:]
	if got := crypto.Hash160(ver); got != ctx.Account {
		return Result{State: Fault}, fmt.Errorf("vm: verification script hash does not match account")
	}
	if gasLimit < gasPerSigCheck {
		return Result{State: Fault, GasConsumed: gasLimit}, nil
	}
	ok, err := crypto.VerifySignature(curve, ctx.MessageHash[:], inv, pubKey)
	if err != nil || !ok {
		return Result{State: Fault, GasConsumed: gasPerSigCheck}, nil
	}
	return Result{State: Halt, GasConsumed: gasPerSigCheck, ResultStack: [][]byte{{1}}}, nil
}

func execMultiSig(inv, ver []byte, gasLimit int64, ctx Context) (Result, error) {
	if len(ver) < 3 {
		return Result{State: Fault}, fmt.Errorf("vm: multisig verification script too short")
	}
	m := int(ver[1])
	n := int(ver[2])
	if m <= 0 || n < m {
		return Result{State: Fault}, fmt.Errorf("vm: invalid multisig m=%d n=%d", m, n)
	}
	if got := crypto.Hash160(ver); got != ctx.Account {
		return Result{State: Fault}, fmt.Errorf("vm: verification script hash does not match account")
	}
	pubKeys, err := decodeMultisigKeys(ver[3:], n)
	if err != nil {
		return Result{State: Fault}, err
	}
	sigs, err := decodeSigList(inv)
	if err != nil {
		return Result{State: Fault}, err
	}
	gasNeeded := int64(len(sigs)) * gasPerSigCheck
	if gasLimit < gasNeeded {
		return Result{State: Fault, GasConsumed: gasLimit}, nil
	}
	matched := 0
	keyIdx := 0
	for _, sig := range sigs {
		found := false
		for keyIdx < len(pubKeys) {
			ok, _ := crypto.VerifySignature(crypto.CurveSecp256r1, ctx.MessageHash[:], sig, pubKeys[keyIdx])
			keyIdx++
			if ok {
				found = true
				break
			}
		}
		if found {
			matched++
		}
	}
	if matched < m {
		return Result{State: Fault, GasConsumed: gasNeeded}, nil
	}
	return Result{State: Halt, GasConsumed: gasNeeded, ResultStack: [][]byte{{1}}}, nil
}

func decodeMultisigKeys(b []byte, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 1 {
			return nil, fmt.Errorf("vm: truncated multisig key list")
		}
		klen := int(b[0])
		if len(b) < 1+klen {
			return nil, fmt.Errorf("vm: truncated multisig key")
		}
		out = append(out, b[1:1+klen])
		b = b[1+klen:]
	}
	return out, nil
}

func decodeSigList(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		if len(b) < 1 {
			return nil, fmt.Errorf("vm: truncated signature list")
		}
		slen := int(b[0])
		if len(b) < 1+slen {
			return nil, fmt.Errorf("vm: truncated signature")
		}
		out = append(out, b[1:1+slen])
		b = b[1+slen:]
	}
	return out, nil
}

// EncodeSingleSigVerification builds a verification script for a standard
// single-key account on curve.
func EncodeSingleSigVerification(curve crypto.Curve, pubKey []byte) []byte {
	out := make([]byte, 0, 2+len(pubKey))
	out = append(out, tagSingleSig, byte(curve))
	out = append(out, pubKey...)
	return out
}

// EncodeMultiSigVerification builds a verification script for an m-of-n
// multisig account (secp256r1 keys, matching Neo's default signing curve).
func EncodeMultiSigVerification(m int, pubKeys [][]byte) []byte {
	out := []byte{tagMultiSig, byte(m), byte(len(pubKeys))}
	for _, k := range pubKeys {
		out = append(out, byte(len(k)))
		out = append(out, k...)
	}
	return out
}

// EncodeSingleSigInvocation wraps a 64-byte raw signature as invocation
// script bytes.
func EncodeSingleSigInvocation(sig []byte) []byte { return sig }

// EncodeMultiSigInvocation concatenates length-prefixed signatures in key
// order for a multisig invocation script.
func EncodeMultiSigInvocation(sigs [][]byte) []byte {
	var out []byte
	for _, s := range sigs {
		out = append(out, byte(len(s)))
		out = append(out, s...)
	}
	return out
}

// JoinWitnessScript concatenates an invocation and verification script the
// way a Witness carries them: a 4-byte LE invocation-length prefix so
// Execute can split them back apart.
func JoinWitnessScript(inv, ver []byte) []byte {
	out := make([]byte, 4+len(inv)+len(ver))
	binary.LittleEndian.PutUint32(out[:4], uint32(len(inv)))
	copy(out[4:], inv)
	copy(out[4+len(inv):], ver)
	return out
}
