// Package graph loads trained float models and runs them on the float
// reference runtime.
//
// A model is a directory holding model.json (a sequential layer list) and
// model.safetensors (the trained weights). Weights are named
// "<layer>/<param>": conv2d kernels are HWIO, dense kernels are [in, units].
package graph

import (
	"errors"
	"fmt"

	"github.com/samcharles93/npuexport/internal/tensor"
)

const (
	SpecFile    = "model.json"
	WeightsFile = "model.safetensors"
)

// Op names a float layer.
type Op string

const (
	OpConv2D    Op = "conv2d"
	OpDense     Op = "dense"
	OpBatchNorm Op = "batch_norm"
	OpReLU      Op = "relu"
	OpReLU6     Op = "relu6"
	OpMaxPool2D Op = "max_pool2d"
	OpAvgPool2D Op = "avg_pool2d"
	OpFlatten   Op = "flatten"
	OpSoftmax   Op = "softmax"
	OpSigmoid   Op = "sigmoid"
)

// Weight parameter names.
const (
	ParamKernel   = "kernel"
	ParamBias     = "bias"
	ParamGamma    = "gamma"
	ParamBeta     = "beta"
	ParamMean     = "moving_mean"
	ParamVariance = "moving_variance"
)

// Contract of the embedded target.
var (
	InputShape = []int{1, 28, 28, 1}
	NumClasses = 10
)

var (
	ErrUnknownOp = errors.New("unknown layer op")
	ErrContract  = errors.New("model violates the input/output contract")
	ErrWeights   = errors.New("missing or misshapen weight")
)

// Layer is one entry of model.json.
type Layer struct {
	Name       string  `json:"name"`
	Op         Op      `json:"op"`
	Filters    int     `json:"filters,omitempty"`
	KernelSize int     `json:"kernel_size,omitempty"`
	Strides    int     `json:"strides,omitempty"`
	Padding    string  `json:"padding,omitempty"`
	PoolSize   int     `json:"pool_size,omitempty"`
	Units      int     `json:"units,omitempty"`
	Epsilon    float32 `json:"epsilon,omitempty"`
	UseBias    *bool   `json:"use_bias,omitempty"`
}

// HasBias reports whether a conv2d/dense layer carries a bias (default true).
func (l Layer) HasBias() bool {
	return l.UseBias == nil || *l.UseBias
}

// Stride resolves the layer stride: 1 for conv2d, pool_size for pools.
func (l Layer) Stride() int {
	if l.Strides > 0 {
		return l.Strides
	}
	if l.Op == OpMaxPool2D || l.Op == OpAvgPool2D {
		return l.Pool()
	}
	return 1
}

// Pool resolves the pool window, defaulting to 2.
func (l Layer) Pool() int {
	if l.PoolSize > 0 {
		return l.PoolSize
	}
	return 2
}

// Eps resolves the batch-norm epsilon, defaulting to 1e-3.
func (l Layer) Eps() float32 {
	if l.Epsilon > 0 {
		return l.Epsilon
	}
	return 1e-3
}

func (l Layer) PaddingMode() (tensor.Padding, error) {
	return tensor.ParsePadding(l.Padding)
}

// WeightName returns the safetensors key for a layer parameter.
func WeightName(layer, param string) string {
	return layer + "/" + param
}

// Spec is the decoded model.json.
type Spec struct {
	Name       string  `json:"name"`
	InputShape []int   `json:"input_shape"`
	Layers     []Layer `json:"layers"`
}

// Model is a trained float model: its layer list and weights.
type Model struct {
	Spec    Spec
	Weights map[string]*tensor.Tensor
	// Source is the directory the model was loaded from, if any.
	Source string
}

// Weight returns the named parameter of a layer.
func (m *Model) Weight(layer, param string) (*tensor.Tensor, error) {
	w, ok := m.Weights[WeightName(layer, param)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWeights, WeightName(layer, param))
	}
	return w, nil
}

// Shapes infers the output shape of every layer and checks each weight
// against the geometry it is used in. shapes[i] is the output of layer i.
func (m *Model) Shapes() ([][]int, error) {
	if len(m.Spec.InputShape) == 0 {
		return nil, fmt.Errorf("%w: no input shape", ErrContract)
	}
	cur := append([]int(nil), m.Spec.InputShape...)
	shapes := make([][]int, len(m.Spec.Layers))
	seen := make(map[string]struct{}, len(m.Spec.Layers))
	for i, l := range m.Spec.Layers {
		if l.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if _, dup := seen[l.Name]; dup {
			return nil, fmt.Errorf("duplicate layer name %q", l.Name)
		}
		seen[l.Name] = struct{}{}

		next, err := m.layerShape(l, cur)
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s): %w", l.Name, l.Op, err)
		}
		shapes[i] = next
		cur = next
	}
	return shapes, nil
}

func (m *Model) layerShape(l Layer, in []int) ([]int, error) {
	switch l.Op {
	case OpConv2D:
		if len(in) != 4 {
			return nil, fmt.Errorf("expected NHWC input, got %v", in)
		}
		if l.Filters <= 0 || l.KernelSize <= 0 {
			return nil, fmt.Errorf("filters and kernel_size must be positive")
		}
		pad, err := l.PaddingMode()
		if err != nil {
			return nil, err
		}
		win, err := tensor.NewWindow(in[1], in[2], l.KernelSize, l.KernelSize, l.Stride(), pad)
		if err != nil {
			return nil, err
		}
		if err := m.expectWeight(l.Name, ParamKernel, l.KernelSize, l.KernelSize, in[3], l.Filters); err != nil {
			return nil, err
		}
		if l.HasBias() {
			if err := m.expectWeight(l.Name, ParamBias, l.Filters); err != nil {
				return nil, err
			}
		}
		return []int{in[0], win.OutH, win.OutW, l.Filters}, nil
	case OpDense:
		if len(in) != 2 {
			return nil, fmt.Errorf("expected [N, F] input, got %v", in)
		}
		if l.Units <= 0 {
			return nil, fmt.Errorf("units must be positive")
		}
		if err := m.expectWeight(l.Name, ParamKernel, in[1], l.Units); err != nil {
			return nil, err
		}
		if l.HasBias() {
			if err := m.expectWeight(l.Name, ParamBias, l.Units); err != nil {
				return nil, err
			}
		}
		return []int{in[0], l.Units}, nil
	case OpBatchNorm:
		c := in[len(in)-1]
		for _, p := range []string{ParamGamma, ParamBeta, ParamMean, ParamVariance} {
			if err := m.expectWeight(l.Name, p, c); err != nil {
				return nil, err
			}
		}
		return in, nil
	case OpMaxPool2D, OpAvgPool2D:
		if len(in) != 4 {
			return nil, fmt.Errorf("expected NHWC input, got %v", in)
		}
		pad, err := l.PaddingMode()
		if err != nil {
			return nil, err
		}
		win, err := tensor.NewWindow(in[1], in[2], l.Pool(), l.Pool(), l.Stride(), pad)
		if err != nil {
			return nil, err
		}
		return []int{in[0], win.OutH, win.OutW, in[3]}, nil
	case OpFlatten:
		n := 1
		for _, d := range in[1:] {
			n *= d
		}
		return []int{in[0], n}, nil
	case OpReLU, OpReLU6, OpSoftmax, OpSigmoid:
		return in, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownOp, l.Op)
	}
}

func (m *Model) expectWeight(layer, param string, shape ...int) error {
	w, err := m.Weight(layer, param)
	if err != nil {
		return err
	}
	if !tensor.SameShape(w.Shape, shape) {
		return fmt.Errorf("%w: %s has shape %v, want %v", ErrWeights, WeightName(layer, param), w.Shape, shape)
	}
	return nil
}

// CheckContract verifies the model accepts a [1,28,28,1] image and returns
// 10 logits.
func (m *Model) CheckContract() error {
	if !tensor.SameShape(m.Spec.InputShape, InputShape) {
		return fmt.Errorf("%w: input shape %v, want %v", ErrContract, m.Spec.InputShape, InputShape)
	}
	shapes, err := m.Shapes()
	if err != nil {
		return err
	}
	if len(shapes) == 0 {
		return fmt.Errorf("%w: no layers", ErrContract)
	}
	out := shapes[len(shapes)-1]
	if !tensor.SameShape(out, []int{1, NumClasses}) {
		return fmt.Errorf("%w: output shape %v, want [1 %d]", ErrContract, out, NumClasses)
	}
	return nil
}
