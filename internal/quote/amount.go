package quote

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// SOLMint is the wrapped SOL mint used as the quote asset.
const (
	SOLMint     = "So11111111111111111111111111111111111111112"
	SOLDecimals = 9
)

var maxRaw = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ToRaw converts a UI amount to integer base units, rounding down so a swap
// never asks for more than the wallet holds. Amounts beyond the u64 range of
// an SPL amount saturate at math.MaxUint64.
func ToRaw(amount float64, decimals uint8) uint64 {
	if amount <= 0 || math.IsNaN(amount) {
		return 0
	}
	if math.IsInf(amount, 1) {
		return math.MaxUint64
	}
	d := decimal.NewFromFloat(amount).Shift(int32(decimals)).Floor()
	if d.GreaterThan(maxRaw) {
		return math.MaxUint64
	}
	return d.BigInt().Uint64()
}

// FromRaw converts integer base units to a UI amount.
func FromRaw(raw uint64, decimals uint8) float64 {
	f, _ := decimal.NewFromBigInt(new(big.Int).SetUint64(raw), 0).Shift(-int32(decimals)).Float64()
	return f
}

// Lamports converts SOL to lamports.
func Lamports(sol float64) uint64 {
	return ToRaw(sol, SOLDecimals)
}

// SlippageBps converts a percent tolerance to basis points.
func SlippageBps(pct float64) int {
	return int(decimal.NewFromFloat(pct).Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}
