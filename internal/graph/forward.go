package graph

import (
	"fmt"
	"math"

	"github.com/samcharles93/npuexport/internal/tensor"
)

// Hook observes the output of layer i during Forward. It must not retain or
// mutate out.
type Hook func(i int, l Layer, out *tensor.Tensor)

// Forward runs x through the model on the float runtime. x is not mutated.
func (m *Model) Forward(x *tensor.Tensor, hook Hook) (*tensor.Tensor, error) {
	cur := x
	for i, l := range m.Spec.Layers {
		next, err := m.apply(l, cur)
		if err != nil {
			return nil, fmt.Errorf("layer %s (%s): %w", l.Name, l.Op, err)
		}
		if hook != nil {
			hook(i, l, next)
		}
		cur = next
	}
	if cur == x {
		cur = x.Clone()
	}
	return cur, nil
}

// Predict returns the logits for a single image.
func (m *Model) Predict(x *tensor.Tensor) ([]float32, error) {
	out, err := m.Forward(x, nil)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (m *Model) apply(l Layer, in *tensor.Tensor) (*tensor.Tensor, error) {
	switch l.Op {
	case OpConv2D:
		kernel, bias, err := m.kernelAndBias(l)
		if err != nil {
			return nil, err
		}
		pad, err := l.PaddingMode()
		if err != nil {
			return nil, err
		}
		return tensor.Conv2D(in, kernel, bias, l.KernelSize, l.KernelSize, l.Filters, l.Stride(), pad)
	case OpDense:
		kernel, bias, err := m.kernelAndBias(l)
		if err != nil {
			return nil, err
		}
		return tensor.Dense(in, kernel, bias, l.Units)
	case OpBatchNorm:
		scale, shift, err := m.BatchNormAffine(l)
		if err != nil {
			return nil, err
		}
		out := in.Clone()
		c := len(scale)
		for i := range out.Data {
			ch := i % c
			out.Data[i] = out.Data[i]*scale[ch] + shift[ch]
		}
		return out, nil
	case OpMaxPool2D, OpAvgPool2D:
		pad, err := l.PaddingMode()
		if err != nil {
			return nil, err
		}
		if l.Op == OpMaxPool2D {
			return tensor.MaxPool2D(in, l.Pool(), l.Stride(), pad)
		}
		return tensor.AvgPool2D(in, l.Pool(), l.Stride(), pad)
	case OpFlatten:
		return tensor.Flatten(in.Clone())
	case OpReLU, OpReLU6, OpSoftmax, OpSigmoid:
		out := in.Clone()
		switch l.Op {
		case OpReLU:
			tensor.ReLU(out.Data)
		case OpReLU6:
			tensor.ReLU6(out.Data)
		case OpSoftmax:
			n := out.Shape[len(out.Shape)-1]
			for b := 0; b < len(out.Data); b += n {
				tensor.Softmax(out.Data[b : b+n])
			}
		case OpSigmoid:
			tensor.Sigmoid(out.Data)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownOp, l.Op)
	}
}

func (m *Model) kernelAndBias(l Layer) (kernel, bias []float32, err error) {
	k, err := m.Weight(l.Name, ParamKernel)
	if err != nil {
		return nil, nil, err
	}
	if l.HasBias() {
		b, err := m.Weight(l.Name, ParamBias)
		if err != nil {
			return nil, nil, err
		}
		bias = b.Data
	}
	return k.Data, bias, nil
}

// BatchNormAffine reduces an inference-mode batch norm to y = x*scale + shift
// per channel.
func (m *Model) BatchNormAffine(l Layer) (scale, shift []float32, err error) {
	var p [4]*tensor.Tensor
	for i, name := range []string{ParamGamma, ParamBeta, ParamMean, ParamVariance} {
		if p[i], err = m.Weight(l.Name, name); err != nil {
			return nil, nil, err
		}
	}
	gamma, beta, mean, variance := p[0].Data, p[1].Data, p[2].Data, p[3].Data
	scale = make([]float32, len(gamma))
	shift = make([]float32, len(gamma))
	for c := range gamma {
		s := float64(gamma[c]) / math.Sqrt(float64(variance[c])+float64(l.Eps()))
		scale[c] = float32(s)
		shift[c] = float32(float64(beta[c]) - float64(mean[c])*s)
	}
	return scale, shift, nil
}
