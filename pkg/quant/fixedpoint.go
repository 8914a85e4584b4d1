package quant

import "math"

// QuantizeMultiplier decomposes a positive real multiplier into a Q31 fixed
// point mantissa and a power-of-two exponent so that
// r ≈ multiplier * 2^(shift-31).
func QuantizeMultiplier(r float64) (multiplier int32, shift int) {
	if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, 0
	}
	frac, exp := math.Frexp(r)
	q := int64(math.Round(frac * (1 << 31)))
	if q == 1<<31 {
		q /= 2
		exp++
	}
	if exp < -31 {
		return 0, 0
	}
	if exp > 30 {
		return math.MaxInt32, 30
	}
	return int32(q), exp
}

// MultiplyByQuantizedMultiplier computes round(x * multiplier * 2^(shift-31))
// with the rounding behaviour of integer-only inference kernels.
func MultiplyByQuantizedMultiplier(x, multiplier int32, shift int) int32 {
	left := max(shift, 0)
	right := max(-shift, 0)

	v := int64(x) << left
	if v > math.MaxInt32 {
		v = math.MaxInt32
	} else if v < math.MinInt32 {
		v = math.MinInt32
	}
	return roundingDivideByPOT(saturatingRoundingDoublingHighMul(int32(v), multiplier), right)
}

func saturatingRoundingDoublingHighMul(a, b int32) int32 {
	if a == b && a == math.MinInt32 {
		return math.MaxInt32
	}
	ab := int64(a) * int64(b)
	nudge := int64(1 << 30)
	if ab < 0 {
		nudge = 1 - (1 << 30)
	}
	return int32((ab + nudge) / (1 << 31))
}

func roundingDivideByPOT(x int32, exponent int) int32 {
	if exponent <= 0 {
		return x
	}
	if exponent > 31 {
		exponent = 31
	}
	mask := int32((int64(1) << exponent) - 1)
	remainder := x & mask
	threshold := mask >> 1
	if x < 0 {
		threshold++
	}
	out := x >> exponent
	if remainder > threshold {
		out++
	}
	return out
}
