// Package config provides centralized protocol parameters for the liquidity aggregator.
// Limits, defaults and basis-point arithmetic live here so that the aggregator, the
// RPC layer and the daemon configuration agree on the same values.
package config

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

// ErrAmountOverflow is returned when a scaled amount no longer fits in 64 bits.
var ErrAmountOverflow = errors.New("amount overflow")

// =============================================================================
// Protocol Limits
// =============================================================================

const (
	// BasisPoints is the denominator for every fee and slippage value (10000 = 100%).
	BasisPoints = 10000

	// MaxPoolFeeBps is the ceiling for a pool's per-hop fee (10%).
	MaxPoolFeeBps = 1000

	// MaxProtocolFeeBps is the ceiling for the protocol fee (5%).
	MaxProtocolFeeBps = 500

	// MaxSlippageBps is the ceiling for the slippage tolerance (100%).
	MaxSlippageBps = BasisPoints

	// HashLockSize is the size of a SHA-256 hash lock in bytes.
	HashLockSize = 32

	// MaxPreimageSize bounds the preimage accepted by execute.
	MaxPreimageSize = 1024

	// MaxStoredValue is the largest amount, price or block count a record
	// can hold. SQLite integers are signed 64-bit.
	MaxStoredValue = math.MaxInt64

	// MaxTimeoutBlocks caps a swap timeout and the protocol default
	// (about 19 years of 10-minute blocks).
	MaxTimeoutBlocks = 1_000_000

	// MaxRiskWeight caps a chain's risk weight, which is summed with hop
	// fees when ranking routes.
	MaxRiskWeight = BasisPoints
)

// =============================================================================
// Protocol Defaults
// =============================================================================

// ProtocolDefaults holds the values written to the parameter singleton on first start.
type ProtocolDefaults struct {
	// ProtocolFeeBps is charged on every executed swap and paid to the treasury.
	ProtocolFeeBps uint16

	// MaxSlippageBps bounds how far current prices may move from a route estimate.
	MaxSlippageBps uint16

	// DefaultTimeoutBlocks applies when a swap is initiated without a timeout.
	DefaultTimeoutBlocks uint64
}

// DefaultProtocolDefaults returns the default protocol parameters.
// Fee: 0.3%, slippage: 1%, timeout: 144 blocks.
func DefaultProtocolDefaults() ProtocolDefaults {
	return ProtocolDefaults{
		ProtocolFeeBps:       30,
		MaxSlippageBps:       100,
		DefaultTimeoutBlocks: 144,
	}
}

// =============================================================================
// Route Planner Limits
// =============================================================================

const (
	// DefaultMaxRouteHops is the longest path (in pools) the planner explores.
	DefaultMaxRouteHops = 4

	// AbsoluteMaxRouteHops caps configured values; path enumeration is exponential.
	AbsoluteMaxRouteHops = 8
)

// =============================================================================
// Chain Status
// =============================================================================

// ChainStatus is the status code recorded alongside a chain's enabled flag.
type ChainStatus uint8

const (
	ChainStatusActive     ChainStatus = 0
	ChainStatusPaused     ChainStatus = 1
	ChainStatusDeprecated ChainStatus = 2
)

// String returns the human-readable status.
func (s ChainStatus) String() string {
	switch s {
	case ChainStatusActive:
		return "Active"
	case ChainStatusPaused:
		return "Paused"
	case ChainStatusDeprecated:
		return "Deprecated"
	default:
		return "Unknown"
	}
}

// Valid reports whether s is a known status code.
func (s ChainStatus) Valid() bool {
	return s <= ChainStatusDeprecated
}

// ChainType classifies a registered chain.
type ChainType string

const (
	ChainTypeNative  ChainType = "native"
	ChainTypeBridged ChainType = "bridged"
)

// Valid reports whether t is a known classification.
func (t ChainType) Valid() bool {
	return t == ChainTypeNative || t == ChainTypeBridged
}

// =============================================================================
// Basis-Point Arithmetic
// =============================================================================

// ApplyBps returns amount * bps / 10000 without intermediate overflow.
func ApplyBps(amount uint64, bps uint64) uint64 {
	v := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(bps))
	v.Div(v, uint256.NewInt(BasisPoints))
	return v.Uint64()
}

// DeductBps returns amount minus amount * bps / 10000. bps above 10000 yields 0.
func DeductBps(amount uint64, bps uint64) uint64 {
	if bps >= BasisPoints {
		return 0
	}
	return ApplyBps(amount, BasisPoints-bps)
}

// MulDiv returns a * b / c using 256-bit intermediates.
// Division by zero and results wider than 64 bits return ErrAmountOverflow.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrAmountOverflow
	}
	v := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	v.Div(v, uint256.NewInt(c))
	if !v.IsUint64() {
		return 0, ErrAmountOverflow
	}
	return v.Uint64(), nil
}

// =============================================================================
// Timeouts
// =============================================================================

// Deadline returns the last block at which a swap may still be executed.
func Deadline(createdBlock, timeoutBlocks uint64) uint64 {
	return createdBlock + timeoutBlocks
}

// IsExpired reports whether currentBlock is strictly past the deadline.
func IsExpired(currentBlock, createdBlock, timeoutBlocks uint64) bool {
	return currentBlock > Deadline(createdBlock, timeoutBlocks)
}

// BlocksUntilTimeout returns the number of blocks until the deadline.
// Returns 0 if already past it.
func BlocksUntilTimeout(currentBlock, createdBlock, timeoutBlocks uint64) uint64 {
	deadline := Deadline(createdBlock, timeoutBlocks)
	if currentBlock >= deadline {
		return 0
	}
	return deadline - currentBlock
}
