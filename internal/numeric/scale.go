// Package numeric provides exact integer scaling between human decimal
// amounts and chain integer amounts. Nothing here touches floating point:
// settlement math must be bit-for-bit reproducible.
package numeric

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Pow10 returns 10^n as a big integer.
func Pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// ScaleToInt converts a decimal amount into the integer representation at
// the given number of decimals. Digits beyond the asset's precision are
// truncated, matching the contract's own representation.
func ScaleToInt(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromInt converts an integer chain amount back into a decimal at the given
// number of decimals.
func FromInt(i *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(i, 0).Shift(int32(-decimals))
}

// MulDiv computes (a × b) / denom with truncating integer division. The
// multiplication happens before the division so no precision is lost ahead
// of the final, deliberate truncation.
func MulDiv(a, b, denom *big.Int) *big.Int {
	prod := new(big.Int).Mul(a, b)
	return prod.Quo(prod, denom)
}
