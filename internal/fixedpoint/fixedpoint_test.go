package fixedpoint

import (
	"errors"
	"math"
	"testing"
)

func TestMulDiv(t *testing.T) {
	cases := []struct {
		name      string
		a, b, den int64
		want      int64
		wantErr   error
	}{
		{name: "exact", a: 5000, b: 12000, den: 10000, want: 6000},
		{name: "truncates toward zero", a: 7, b: 10, den: 3, want: 23},
		{name: "zero numerator", a: 0, b: 999, den: 7, want: 0},
		{name: "identity", a: 12345, b: 1, den: 1, want: 12345},
		{name: "scale ratio", a: 12000, b: Scale, den: 10000, want: 1_200_000},
		{name: "large intermediate fits", a: math.MaxInt64 / 2, b: 4, den: 8, want: math.MaxInt64 / 4},
		{name: "divide by zero", a: 1, b: 1, den: 0, wantErr: ErrDivideByZero},
		{name: "negative a", a: -1, b: 1, den: 1, wantErr: ErrNegative},
		{name: "negative den", a: 1, b: 1, den: -5, wantErr: ErrNegative},
		{name: "quotient overflow", a: math.MaxInt64, b: 2, den: 1, wantErr: ErrOverflow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MulDiv(tc.a, tc.b, tc.den)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("MulDiv(%d,%d,%d) err = %v, want %v", tc.a, tc.b, tc.den, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("MulDiv(%d,%d,%d) unexpected error: %v", tc.a, tc.b, tc.den, err)
			}
			if got != tc.want {
				t.Fatalf("MulDiv(%d,%d,%d) = %d, want %d", tc.a, tc.b, tc.den, got, tc.want)
			}
		})
	}
}

func TestMulDivIntermediateExceeds64Bits(t *testing.T) {
	// a*b overflows 64 bits but the quotient fits: must succeed.
	a := int64(math.MaxInt64)
	got, err := MulDiv(a, 1000, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != a {
		t.Fatalf("got %d, want %d", got, a)
	}
}
