// Package fixed implements 128-bit unsigned fixed-point arithmetic
// (scale 10^6) with checked operations, plus the polynomial exp/ln
// approximations used by the LMSR automated market maker.
//
// Values are carried in uint256.Int but constrained to 128 bits. Every
// multiplication therefore fits the 256-bit accumulator exactly, so
// intermediate products never lose precision before the divide by Scale.
// Any step whose result would exceed 128 bits, underflow, or divide by
// zero fails with ErrMath — results are never silently clamped or wrapped.
package fixed

import (
	"errors"

	"github.com/holiman/uint256"
)

// Scale is the fixed-point scale: 1.0 is represented as 10^6.
const Scale uint64 = 1_000_000

var (
	// ErrMath is returned on overflow, underflow, or division by zero.
	ErrMath = errors.New("fixed: overflow, underflow, or division by zero")

	scaleInt = uint256.NewInt(Scale)

	// expArgMax clamps the exp argument at 20.0; the 5th-order Taylor
	// polynomial is already far off by then and larger arguments only
	// risk overflow.
	expArgMax = uint256.NewInt(20 * Scale)
)

// One returns 1.0 in fixed-point representation.
func One() uint256.Int {
	return *scaleInt
}

// FromUint64 lifts a raw (unscaled) integer into a 128-bit value.
func FromUint64(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// FromUnits converts v whole units into fixed-point: v * Scale.
func FromUnits(v uint64) (uint256.Int, error) {
	var z uint256.Int
	z.SetUint64(v)
	return Mul64(&z, Scale)
}

func fits128(v *uint256.Int) bool {
	return v.BitLen() <= 128
}

// Add returns a + b, failing with ErrMath if the sum exceeds 128 bits.
func Add(a, b *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, carry := z.AddOverflow(a, b); carry || !fits128(&z) {
		return uint256.Int{}, ErrMath
	}
	return z, nil
}

// Sub returns a - b, failing with ErrMath on underflow.
func Sub(a, b *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, borrow := z.SubOverflow(a, b); borrow {
		return uint256.Int{}, ErrMath
	}
	return z, nil
}

// Mul64 returns a * m for a raw integer multiplier m.
func Mul64(a *uint256.Int, m uint64) (uint256.Int, error) {
	var z uint256.Int
	z.Mul(a, uint256.NewInt(m))
	if !fits128(&z) {
		return uint256.Int{}, ErrMath
	}
	return z, nil
}

// Div64 returns a / d for a raw integer divisor d.
func Div64(a *uint256.Int, d uint64) (uint256.Int, error) {
	if d == 0 {
		return uint256.Int{}, ErrMath
	}
	var z uint256.Int
	z.Div(a, uint256.NewInt(d))
	return z, nil
}

// Mul returns the fixed-point product (a * b) / Scale. The 256-bit
// intermediate holds the full double-width product.
func Mul(a, b *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	z.Mul(a, b) // both inputs <= 128 bits, cannot wrap
	z.Div(&z, scaleInt)
	if !fits128(&z) {
		return uint256.Int{}, ErrMath
	}
	return z, nil
}

// Div returns the fixed-point quotient (a * Scale) / b.
func Div(a, b *uint256.Int) (uint256.Int, error) {
	if b.IsZero() {
		return uint256.Int{}, ErrMath
	}
	var z uint256.Int
	z.Mul(a, scaleInt)
	z.Div(&z, b)
	if !fits128(&z) {
		return uint256.Int{}, ErrMath
	}
	return z, nil
}

// MulDiv returns (a * b) / den with a 256-bit intermediate product.
func MulDiv(a, b, den *uint256.Int) (uint256.Int, error) {
	if den.IsZero() {
		return uint256.Int{}, ErrMath
	}
	var z uint256.Int
	z.Mul(a, b)
	z.Div(&z, den)
	if !fits128(&z) {
		return uint256.Int{}, ErrMath
	}
	return z, nil
}

// ExpApprox computes e^x for fixed-point x using the 5th-order Taylor
// polynomial around 0:
//
//	1 + x + x²/2 + x³/6 + x⁴/24 + x⁵/120
//
// The argument is clamped to expArgMax to bound the intermediate powers.
func ExpApprox(x *uint256.Int) (uint256.Int, error) {
	arg := *x
	if arg.Gt(expArgMax) {
		arg = *expArgMax
	}

	sum := One()

	term := arg // x^1
	var err error
	divisors := [5]uint64{1, 2, 6, 24, 120}
	for i, d := range divisors {
		if i > 0 {
			if term, err = Mul(&term, &arg); err != nil {
				return uint256.Int{}, err
			}
		}
		contrib, err := Div64(&term, d)
		if err != nil {
			return uint256.Int{}, err
		}
		if sum, err = Add(&sum, &contrib); err != nil {
			return uint256.Int{}, err
		}
	}
	return sum, nil
}

// LnApprox computes ln(y) for fixed-point y >= 1.0 using the atanh series
// with the substitution z = (y-1)/(y+1):
//
//	ln(y) = 2(z + z³/3 + z⁵/5)
//
// Arguments below 1.0 fail with ErrMath (the series does not converge
// there and the LMSR never needs them: exp sums start at 2.0).
func LnApprox(y *uint256.Int) (uint256.Int, error) {
	if y.Lt(scaleInt) {
		return uint256.Int{}, ErrMath
	}

	num, err := Sub(y, scaleInt)
	if err != nil {
		return uint256.Int{}, err
	}
	den, err := Add(y, scaleInt)
	if err != nil {
		return uint256.Int{}, err
	}
	z1, err := Div(&num, &den)
	if err != nil {
		return uint256.Int{}, err
	}

	z2, err := Mul(&z1, &z1)
	if err != nil {
		return uint256.Int{}, err
	}
	z3, err := Mul(&z2, &z1)
	if err != nil {
		return uint256.Int{}, err
	}
	z5, err := Mul(&z3, &z2)
	if err != nil {
		return uint256.Int{}, err
	}

	sum := z1
	t3, err := Div64(&z3, 3)
	if err != nil {
		return uint256.Int{}, err
	}
	if sum, err = Add(&sum, &t3); err != nil {
		return uint256.Int{}, err
	}
	t5, err := Div64(&z5, 5)
	if err != nil {
		return uint256.Int{}, err
	}
	if sum, err = Add(&sum, &t5); err != nil {
		return uint256.Int{}, err
	}

	return Mul64(&sum, 2)
}
