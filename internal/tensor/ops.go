package tensor

import (
	"math"
)

// Conv2D convolves an NHWC input with an HWIO kernel ([kh, kw, cin, cout])
// and adds bias (length cout, or nil).
func Conv2D(in *Tensor, kernel, bias []float32, kh, kw, cout, stride int, pad Padding) (*Tensor, error) {
	if in.Rank() != 4 {
		return nil, errRank
	}
	n, h, w, cin := in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3]
	if len(kernel) != kh*kw*cin*cout {
		return nil, errWeightSize
	}
	if bias != nil && len(bias) != cout {
		return nil, errWeightSize
	}
	win, err := NewWindow(h, w, kh, kw, stride, pad)
	if err != nil {
		return nil, err
	}

	out := New(n, win.OutH, win.OutW, cout)
	acc := make([]float32, cout)
	for b := 0; b < n; b++ {
		for oy := 0; oy < win.OutH; oy++ {
			for ox := 0; ox < win.OutW; ox++ {
				if bias != nil {
					copy(acc, bias)
				} else {
					clear(acc)
				}
				for ky := 0; ky < kh; ky++ {
					iy := oy*stride - win.PadTop + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ox*stride - win.PadLeft + kx
						if ix < 0 || ix >= w {
							continue
						}
						src := in.Data[((b*h+iy)*w+ix)*cin:][:cin]
						kbase := (ky*kw + kx) * cin * cout
						for ci, v := range src {
							if v == 0 {
								continue
							}
							krow := kernel[kbase+ci*cout:][:cout]
							for co := range acc {
								acc[co] += v * krow[co]
							}
						}
					}
				}
				copy(out.Data[((b*win.OutH+oy)*win.OutW+ox)*cout:], acc)
			}
		}
	}
	return out, nil
}

// Dense multiplies an [N, F] input by an [F, out] kernel and adds bias.
func Dense(in *Tensor, kernel, bias []float32, units int) (*Tensor, error) {
	if in.Rank() != 2 {
		return nil, errRank
	}
	n, f := in.Shape[0], in.Shape[1]
	if len(kernel) != f*units {
		return nil, errWeightSize
	}
	if bias != nil && len(bias) != units {
		return nil, errWeightSize
	}
	out := New(n, units)
	for b := 0; b < n; b++ {
		dst := out.Data[b*units:][:units]
		if bias != nil {
			copy(dst, bias)
		}
		for i, v := range in.Data[b*f:][:f] {
			if v == 0 {
				continue
			}
			row := kernel[i*units:][:units]
			for o := range dst {
				dst[o] += v * row[o]
			}
		}
	}
	return out, nil
}

// MaxPool2D takes the channel-wise maximum over each window.
func MaxPool2D(in *Tensor, size, stride int, pad Padding) (*Tensor, error) {
	return pool2D(in, size, stride, pad, false)
}

// AvgPool2D averages each window, counting only in-bounds elements.
func AvgPool2D(in *Tensor, size, stride int, pad Padding) (*Tensor, error) {
	return pool2D(in, size, stride, pad, true)
}

func pool2D(in *Tensor, size, stride int, pad Padding, average bool) (*Tensor, error) {
	if in.Rank() != 4 {
		return nil, errRank
	}
	n, h, w, c := in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3]
	win, err := NewWindow(h, w, size, size, stride, pad)
	if err != nil {
		return nil, err
	}
	out := New(n, win.OutH, win.OutW, c)
	for b := 0; b < n; b++ {
		for oy := 0; oy < win.OutH; oy++ {
			for ox := 0; ox < win.OutW; ox++ {
				dst := out.Data[((b*win.OutH+oy)*win.OutW+ox)*c:][:c]
				for ch := range dst {
					var (
						acc   float32
						count int
						best  = float32(math.Inf(-1))
					)
					for ky := 0; ky < size; ky++ {
						iy := oy*stride - win.PadTop + ky
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < size; kx++ {
							ix := ox*stride - win.PadLeft + kx
							if ix < 0 || ix >= w {
								continue
							}
							v := in.Data[((b*h+iy)*w+ix)*c+ch]
							acc += v
							count++
							if v > best {
								best = v
							}
						}
					}
					switch {
					case count == 0:
						dst[ch] = 0
					case average:
						dst[ch] = acc / float32(count)
					default:
						dst[ch] = best
					}
				}
			}
		}
	}
	return out, nil
}

// Flatten collapses every dimension after the batch into one, preserving
// NHWC element order.
func Flatten(in *Tensor) (*Tensor, error) {
	if in.Rank() < 2 {
		return nil, errRank
	}
	return in.Reshape(in.Shape[0], len(in.Data)/in.Shape[0])
}

// ReLU clamps x at zero in place.
func ReLU(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

// ReLU6 clamps x to [0, 6] in place.
func ReLU6(x []float32) {
	for i, v := range x {
		switch {
		case v < 0:
			x[i] = 0
		case v > 6:
			x[i] = 6
		}
	}
}

// Sigmoid applies the logistic function in place.
func Sigmoid(x []float32) {
	for i, v := range x {
		x[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}
