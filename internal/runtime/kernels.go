package runtime

import (
	"math"

	"github.com/samcharles93/npuexport/pkg/quant"
)

func (k *kernel) requantize(acc int32) int8 {
	v := quant.MultiplyByQuantizedMultiplier(acc, k.op.Multiplier, k.op.Shift) + k.outZP
	return quant.Clamp(v, k.op.ActMin, k.op.ActMax)
}

func (k *kernel) conv2D(in, out []int8) {
	n, h, w := k.inShape[0], k.inShape[1], k.inShape[2]
	win := k.win
	cin, cout := k.cin, k.cout
	acc := make([]int32, cout)
	for b := 0; b < n; b++ {
		for oy := 0; oy < win.OutH; oy++ {
			for ox := 0; ox < win.OutW; ox++ {
				copy(acc, k.bias)
				for ky := 0; ky < win.KH; ky++ {
					iy := oy*win.Stride - win.PadTop + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < win.KW; kx++ {
						ix := ox*win.Stride - win.PadLeft + kx
						if ix < 0 || ix >= w {
							continue
						}
						src := in[((b*h+iy)*w+ix)*cin:][:cin]
						kbase := (ky*win.KW + kx) * cin * cout
						for ci, q := range src {
							a := int32(q) - k.inZP
							if a == 0 {
								continue
							}
							row := k.weights[kbase+ci*cout:][:cout]
							for co := range acc {
								acc[co] += a * row[co]
							}
						}
					}
				}
				dst := out[((b*win.OutH+oy)*win.OutW+ox)*cout:][:cout]
				for co, v := range acc {
					dst[co] = k.requantize(v)
				}
			}
		}
	}
}

func (k *kernel) dense(in, out []int8) {
	n := k.inShape[0]
	acc := make([]int32, k.cout)
	for b := 0; b < n; b++ {
		copy(acc, k.bias)
		for i, q := range in[b*k.cin:][:k.cin] {
			a := int32(q) - k.inZP
			if a == 0 {
				continue
			}
			row := k.weights[i*k.cout:][:k.cout]
			for o := range acc {
				acc[o] += a * row[o]
			}
		}
		dst := out[b*k.cout:][:k.cout]
		for o, v := range acc {
			dst[o] = k.requantize(v)
		}
	}
}

// pool shares params between input and output, so values are compared and
// averaged directly in the quantized domain.
func (k *kernel) pool(in, out []int8, average bool) {
	n, h, w, c := k.inShape[0], k.inShape[1], k.inShape[2], k.inShape[3]
	win := k.win
	for b := 0; b < n; b++ {
		for oy := 0; oy < win.OutH; oy++ {
			for ox := 0; ox < win.OutW; ox++ {
				dst := out[((b*win.OutH+oy)*win.OutW+ox)*c:][:c]
				for ch := range dst {
					var (
						sum   int32
						count int32
						best  int32 = math.MinInt32
					)
					for ky := 0; ky < win.KH; ky++ {
						iy := oy*win.Stride - win.PadTop + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < win.KW; kx++ {
							ix := ox*win.Stride - win.PadLeft + kx
							if ix < 0 || ix >= w {
								continue
							}
							v := int32(in[((b*h+iy)*w+ix)*c+ch])
							sum += v
							count++
							best = max(best, v)
						}
					}
					var v int32
					switch {
					case count == 0:
						v = 0
					case average:
						v = roundDiv(sum, count)
					default:
						v = best
					}
					dst[ch] = quant.Clamp(v, k.op.ActMin, k.op.ActMax)
				}
			}
		}
	}
}

// roundDiv divides rounding half away from zero.
func roundDiv(a, b int32) int32 {
	if a >= 0 {
		return (a + b/2) / b
	}
	return (a - b/2) / b
}
