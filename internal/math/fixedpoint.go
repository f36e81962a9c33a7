// Package math converts between human decimal amounts and on-chain integer
// amounts expressed in a token's smallest unit.
package math

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// TokenConfig defines a token's fixed-point precision
type TokenConfig struct {
	Decimals int32 // Number of decimal places of the smallest unit
}

var (
	// Standard configs
	BTCConfig        = TokenConfig{Decimals: 8}  // 0.00000001 BTC
	StablecoinConfig = TokenConfig{Decimals: 6}  // 0.000001 USDT/USDC
	DAIConfig        = TokenConfig{Decimals: 18} // 1 wei
	XRPConfig        = TokenConfig{Decimals: 6}  // 1 drop
)

// BpsScale is the basis-point denominator (100% = 10_000 bps).
const BpsScale = 10_000

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

var bpsDenominator = uint256.NewInt(BpsScale)

// ToBaseUnits converts a non-negative decimal amount into smallest units.
// Sizing paths use RoundDown so a hedge never spends more than was computed.
func ToBaseUnits(amount decimal.Decimal, decimals int32, mode RoundingMode) (*uint256.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}

	scaled := amount.Shift(decimals)
	switch mode {
	case RoundDown:
		scaled = scaled.Truncate(0)
	case RoundUp:
		scaled = scaled.Ceil()
	default:
		scaled = scaled.RoundBank(0)
	}

	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s overflows uint256 at %d decimals", amount, decimals)
	}
	return v, nil
}

// FromBaseUnits converts smallest units back to a decimal amount.
func FromBaseUnits(amount *uint256.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount.ToBig(), -decimals)
}

// PercentToBps converts a percentage (e.g. 30, 12.5) into basis points,
// truncating anything below 0.01%.
func PercentToBps(percent decimal.Decimal) (uint64, error) {
	if percent.IsNegative() || percent.GreaterThan(decimal.NewFromInt(100)) {
		return 0, fmt.Errorf("percent %s out of range [0, 100]", percent)
	}
	return uint64(percent.Shift(2).Truncate(0).IntPart()), nil
}

// MulBps returns amount * bps / 10_000 using a 512-bit intermediate.
func MulBps(amount *uint256.Int, bps uint64, mode RoundingMode) *uint256.Int {
	result, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(bps), bpsDenominator)
	if overflow {
		// bps <= 10_000 in every caller, so the quotient fits whenever amount fits.
		return new(uint256.Int).Set(amount)
	}

	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(amount, uint256.NewInt(bps), bpsDenominator)
		if !rem.IsZero() {
			result.AddUint64(result, 1)
		}
	}
	return result
}

// ConvertAmount prices fromAmount (in fromDecimals) at fromPrice/toPrice and
// returns the equivalent in toDecimals, rounded down.
func ConvertAmount(fromAmount *uint256.Int, fromDecimals int32, fromPrice, toPrice decimal.Decimal, toDecimals int32) (*uint256.Int, error) {
	if !toPrice.IsPositive() {
		return nil, fmt.Errorf("target price must be positive, got %s", toPrice)
	}
	value := FromBaseUnits(fromAmount, fromDecimals).Mul(fromPrice).Div(toPrice)
	return ToBaseUnits(value, toDecimals, RoundDown)
}
