// Package fixedpoint provides the integer multiply-then-divide primitive that
// all payout and odds arithmetic routes through. There is no floating point
// anywhere in settlement math; every result truncates toward zero, so
// rounding always favors the pool and never overpays a claimant.
package fixedpoint

import (
	"errors"
	"math"
	"math/bits"
)

// Scale is the fixed-point factor used for odds multipliers and other
// ratio displays (micro-units).
const Scale int64 = 1_000_000

var (
	ErrDivideByZero = errors.New("fixedpoint: division by zero")
	ErrNegative     = errors.New("fixedpoint: negative operand")
	ErrOverflow     = errors.New("fixedpoint: result overflows int64")
)

// MulDiv computes (a * b) / den with a full 128-bit intermediate product,
// truncating toward zero. Operands must be non-negative. It fails when den
// is zero or when the quotient does not fit in an int64; the intermediate
// product itself cannot overflow.
func MulDiv(a, b, den int64) (int64, error) {
	if den == 0 {
		return 0, ErrDivideByZero
	}
	if a < 0 || b < 0 || den < 0 {
		return 0, ErrNegative
	}

	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(den) {
		// bits.Div64 panics in this case; the quotient needs > 64 bits.
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(den))
	if q > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(q), nil
}
