package model

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BpsDenom is the basis-point denominator: 10000 bps == 100%.
const BpsDenom = 10_000

// TokenUnit is one whole token (18 decimals).
var TokenUnit = uint256.NewInt(1e18)

// Precision scales the reward-per-share accumulator.
var Precision = uint256.NewInt(1e18)

// MulBps returns amount*bps/10000, flooring the division.
func MulBps(amount *uint256.Int, bps uint64) *uint256.Int {
	out := new(uint256.Int).Mul(amount, uint256.NewInt(bps))
	return out.Div(out, uint256.NewInt(BpsDenom))
}

// MulDiv returns amount*num/den with floor division. den must be non-zero.
func MulDiv(amount, num, den *uint256.Int) *uint256.Int {
	out := new(uint256.Int).Mul(amount, num)
	return out.Div(out, den)
}

// Tokens converts a whole-token count into base units.
func Tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), TokenUnit)
}

// ParseTokens parses a decimal whole-token string into base units.
func ParseTokens(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse token amount %q: %w", s, err)
	}
	return v.Mul(v, TokenUnit), nil
}

// ToFloatTokens converts base units to whole tokens for display and metrics.
// Precision loss is acceptable here; accounting never uses this.
func ToFloatTokens(amount *uint256.Int) float64 {
	f := amount.Float64()
	return f / 1e18
}
