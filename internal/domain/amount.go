package domain

import (
	"fmt"
	"math/big"
)

// BpsDenominator is the fixed-point base for every rate in the engine.
const BpsDenominator int64 = 10_000

// MulDivFloor returns floor(a*b/c) computed without intermediate overflow.
// All operands must be non-negative and c positive.
func MulDivFloor(a, b, c int64) (int64, error) {
	if a < 0 || b < 0 || c <= 0 {
		return 0, fmt.Errorf("%w: muldiv(%d, %d, %d)", ErrInvalidAmount, a, b, c)
	}
	r := new(big.Int).Mul(big.NewInt(a), big.NewInt(b))
	r.Quo(r, big.NewInt(c))
	if !r.IsInt64() {
		return 0, fmt.Errorf("%w: muldiv overflow", ErrInvalidAmount)
	}
	return r.Int64(), nil
}

// ApplyBps returns floor(amount*bps/10000).
func ApplyBps(amount, bps int64) (int64, error) {
	return MulDivFloor(amount, bps, BpsDenominator)
}
