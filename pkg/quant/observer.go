package quant

import (
	"fmt"
	"math"
)

// Range tracks the observed min/max of a tensor across calibration samples.
// Min and Max are the true bounds of the values seen, seeded from the first
// non-NaN value.
type Range struct {
	Min, Max float32
	Count    int

	seen bool
}

// Observe folds values into the running range.
func (r *Range) Observe(values []float32) {
	for _, v := range values {
		if math.IsNaN(float64(v)) {
			continue
		}
		if !r.seen {
			r.Min, r.Max, r.seen = v, v, true
			continue
		}
		if v < r.Min {
			r.Min = v
		}
		if v > r.Max {
			r.Max = v
		}
	}
	r.Count++
}

// Empty reports whether no value has been observed.
func (r *Range) Empty() bool { return !r.seen }

// Params derives quantisation params from the observed range.
//
// A range with Max == Min is degenerate. Otherwise the range is widened to
// contain 0 before Derive, so the zero point never clamps and every observed
// value round-trips within one step.
func (r *Range) Params() (Params, error) {
	if !r.seen {
		return Params{}, fmt.Errorf("%w: no observations", ErrDegenerateRange)
	}
	if r.Max == r.Min {
		return Params{}, fmt.Errorf("%w: min == max == %g", ErrDegenerateRange, r.Min)
	}
	return Derive(min(r.Min, 0), max(r.Max, 0))
}

// ObserveParams derives params for a single tensor, such as a weight kernel.
func ObserveParams(values []float32) (Params, error) {
	var r Range
	r.Observe(values)
	return r.Params()
}

// MinMax returns the true bounds of values, or (0, 0) for an empty slice.
func MinMax(values []float32) (lo, hi float32) {
	var r Range
	r.Observe(values)
	return r.Min, r.Max
}
