// Package quant implements asymmetric full-range int8 affine quantisation.
//
// A quantised value q maps to the real value (q - ZeroPoint) * Scale.
package quant

import (
	"errors"
	"fmt"
	"math"
)

const (
	// QMin and QMax bound the signed 8-bit storage type.
	QMin = -128
	QMax = 127

	// Levels is the number of steps between QMin and QMax.
	Levels = QMax - QMin
)

// ErrDegenerateRange is returned when a tensor's observed range collapses to a
// single value, which would make the scale zero.
var ErrDegenerateRange = errors.New("degenerate range")

// ErrInvalidParams reports a Params value that violates scale > 0 or the
// int8 zero-point range.
var ErrInvalidParams = errors.New("invalid quantisation params")

// Params are the per-tensor affine parameters.
type Params struct {
	Scale     float32
	ZeroPoint int32
}

// Derive computes params for the closed range [lo, hi]:
//
//	scale      = (hi - lo) / 255
//	zero_point = clamp(round(-lo/scale) - 128, -128, 127)
func Derive(lo, hi float32) (Params, error) {
	if math.IsNaN(float64(lo)) || math.IsNaN(float64(hi)) {
		return Params{}, fmt.Errorf("%w: NaN bound", ErrDegenerateRange)
	}
	if hi < lo {
		return Params{}, fmt.Errorf("%w: max %g < min %g", ErrDegenerateRange, hi, lo)
	}
	if hi == lo {
		return Params{}, fmt.Errorf("%w: min == max == %g", ErrDegenerateRange, lo)
	}
	scale := (float64(hi) - float64(lo)) / Levels
	zp := math.Round(-float64(lo)/scale) + QMin
	return Params{
		Scale:     float32(scale),
		ZeroPoint: int32(clampInt(int64(zp), QMin, QMax)),
	}, nil
}

// Validate checks the invariants every persisted Params must satisfy.
func (p Params) Validate() error {
	if !(p.Scale > 0) || math.IsInf(float64(p.Scale), 0) {
		return fmt.Errorf("%w: scale %g must be > 0", ErrInvalidParams, p.Scale)
	}
	if p.ZeroPoint < QMin || p.ZeroPoint > QMax {
		return fmt.Errorf("%w: zero point %d outside [%d,%d]", ErrInvalidParams, p.ZeroPoint, QMin, QMax)
	}
	return nil
}

// Quantize maps x to round(x/scale) + zero_point, saturated to int8.
func (p Params) Quantize(x float32) int8 {
	q := math.Round(float64(x)/float64(p.Scale)) + float64(p.ZeroPoint)
	if math.IsNaN(q) {
		return int8(clampInt(int64(p.ZeroPoint), QMin, QMax))
	}
	if q < QMin {
		return QMin
	}
	if q > QMax {
		return QMax
	}
	return int8(q)
}

// Dequantize maps q back to (q - zero_point) * scale.
func (p Params) Dequantize(q int8) float32 {
	return float32(int32(q)-p.ZeroPoint) * p.Scale
}

// QuantizeSlice quantises src into dst, which must be at least len(src).
func (p Params) QuantizeSlice(dst []int8, src []float32) {
	for i, v := range src {
		dst[i] = p.Quantize(v)
	}
}

// DequantizeSlice dequantises src into dst, which must be at least len(src).
func (p Params) DequantizeSlice(dst []float32, src []int8) {
	for i, v := range src {
		dst[i] = p.Dequantize(v)
	}
}

// QuantizeBias maps a bias value onto the int32 accumulator grid of the given
// scale (input scale times weight scale) with zero point 0.
func QuantizeBias(x float32, scale float64) int32 {
	if scale <= 0 {
		return 0
	}
	v := math.Round(float64(x) / scale)
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// Clamp saturates an accumulator value to [lo, hi] and narrows it to int8.
func Clamp(v, lo, hi int32) int8 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return int8(v)
}

func clampInt(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
