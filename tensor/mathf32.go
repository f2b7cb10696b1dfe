package tensor

import "math"

// Pure-float32 math functions.
//
// These avoid float64 casts to keep the entire compute path in float32.
// Each uses standard numerical techniques: range reduction and Horner
// polynomials.

// ExpF32 computes exp(x) in pure float32.
//
// Algorithm: range reduction x = k*ln2 + r, then Horner polynomial on r.
//
//	exp(x) = 2^k * (1 + r + r^2/2! + r^3/3! + r^4/4! + r^5/5!)
//
// Clamps to 0 / +Inf outside the representable range of float32.
func ExpF32(x float32) float32 {
	if x > 88.72 {
		return float32(math.Inf(1))
	}
	if x < -87.33 {
		return 0
	}
	const (
		invLn2 = float32(1.4426950)
		ln2Hi  = float32(0.6931458)
		ln2Lo  = float32(1.4286068e-06)
	)
	var k int32
	if x >= 0 {
		k = int32(x*invLn2 + 0.5)
	} else {
		k = int32(x*invLn2 - 0.5)
	}
	kf := float32(k)
	r := x - kf*ln2Hi - kf*ln2Lo
	r2 := r * r
	p := float32(1) + r + r2*(0.5+r*(0.16666667+r*(0.04166668+r*0.008333334)))
	// Reconstruct 2^k by shifting into the IEEE 754 exponent field.
	return p * math.Float32frombits(uint32(127+k)<<23)
}

// TanhF32 computes tanh(x) in pure float32 via the exp identity:
//
//	tanh(x) = 1 - 2 / (exp(2x) + 1)
//
// Saturates to +-1 where exp(2x) overflows/underflows float32.
func TanhF32(x float32) float32 {
	if x > 44.36 {
		return 1
	}
	if x < -44.36 {
		return -1
	}
	return 1 - 2/(ExpF32(2*x)+1)
}

const geluCoeff = float32(0.7978845608) // sqrt(2/pi)

// GELUF32 computes the GELU activation (tanh approximation) in float32:
//
//	gelu(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715*x^3)))
func GELUF32(x float32) float32 {
	return 0.5 * x * (1 + TanhF32(geluCoeff*(x+0.044715*x*x*x)))
}
