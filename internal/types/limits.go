package types

import "time"

// Protocol-level size and count limits.
const (
	MaxSigners                  = 16
	MaxAttributes               = 16
	MaxScriptLength             = 65535
	MaxTransactionsPerBlock     = 512 // default; overridable via config
	MaxBlockSize                = 2 * 1024 * 1024
	MaxClockDrift               = 15 * time.Minute
	MaxValidUntilBlockIncrement = 5760         // ~24h at 15s blocks
	MaxVerificationGas          = 20_0000_0000 // 20 GAS worth of datoshi
)

// TransactionVersion is the only transaction version accepted.
const TransactionVersion = 0

// HeaderVersion is the only block header version accepted.
const HeaderVersion = 0
