package tensor

import "fmt"

// Padding selects how spatial windows treat the input border.
type Padding string

const (
	// PaddingSame pads so that out = ceil(in / stride).
	PaddingSame Padding = "same"
	// PaddingValid uses only full windows.
	PaddingValid Padding = "valid"
)

// ParsePadding accepts "same", "valid" or "" (valid).
func ParsePadding(s string) (Padding, error) {
	switch Padding(s) {
	case PaddingSame:
		return PaddingSame, nil
	case PaddingValid, "":
		return PaddingValid, nil
	default:
		return "", fmt.Errorf("unknown padding %q", s)
	}
}

// Window is the resolved geometry of a 2D sliding window over an NHWC input.
type Window struct {
	KH, KW  int
	Stride  int
	PadTop  int
	PadLeft int
	InH     int
	InW     int
	OutH    int
	OutW    int
}

// NewWindow resolves output size and leading padding for an input of
// inH x inW, using the TensorFlow convention for "same" (extra padding goes
// after the input).
func NewWindow(inH, inW, kh, kw, stride int, pad Padding) (Window, error) {
	if kh <= 0 || kw <= 0 || stride <= 0 {
		return Window{}, errWindow
	}
	outH, padTop, err := resolveAxis(inH, kh, stride, pad)
	if err != nil {
		return Window{}, err
	}
	outW, padLeft, err := resolveAxis(inW, kw, stride, pad)
	if err != nil {
		return Window{}, err
	}
	return Window{
		KH: kh, KW: kw,
		Stride:  stride,
		PadTop:  padTop,
		PadLeft: padLeft,
		InH:     inH, InW: inW,
		OutH: outH, OutW: outW,
	}, nil
}

func resolveAxis(in, k, stride int, pad Padding) (out, before int, err error) {
	switch pad {
	case PaddingSame:
		out = (in + stride - 1) / stride
		total := max((out-1)*stride+k-in, 0)
		return out, total / 2, nil
	case PaddingValid, "":
		if k > in {
			return 0, 0, errWindow
		}
		return (in-k)/stride + 1, 0, nil
	default:
		return 0, 0, fmt.Errorf("unknown padding %q", pad)
	}
}
