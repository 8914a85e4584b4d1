package quantize

import (
	"errors"
	"fmt"

	"github.com/samcharles93/npuexport/internal/graph"
	"github.com/samcharles93/npuexport/internal/tensor"
	"github.com/samcharles93/npuexport/pkg/qmf"
)

// ErrUnsupportedOp is returned for layers the fixed-point converter cannot
// express, even when the float runtime can execute them.
var ErrUnsupportedOp = errors.New("unsupported op")

// stage is one node of the lowered graph: a float layer with any following
// batch norm folded in and any following relu/relu6 fused.
type stage struct {
	kind   qmf.OpKind
	name   string
	layer  graph.Layer
	last   int // index of the last graph layer absorbed
	act    graph.Op
	kernel []float32
	bias   []float32
	kshape []int
}

func (s *stage) hasWeights() bool {
	return s.kind == qmf.OpConv2D || s.kind == qmf.OpDense
}

// lower folds and fuses the layer list into integer-kernel stages.
func lower(m *graph.Model) ([]*stage, error) {
	var stages []*stage
	prev := func() *stage {
		if len(stages) == 0 {
			return nil
		}
		return stages[len(stages)-1]
	}

	for i, l := range m.Spec.Layers {
		switch l.Op {
		case graph.OpConv2D, graph.OpDense:
			k, err := m.Weight(l.Name, graph.ParamKernel)
			if err != nil {
				return nil, err
			}
			cout := l.Filters
			kind := qmf.OpConv2D
			if l.Op == graph.OpDense {
				cout = l.Units
				kind = qmf.OpDense
			}
			bias := make([]float32, cout)
			if l.HasBias() {
				b, err := m.Weight(l.Name, graph.ParamBias)
				if err != nil {
					return nil, err
				}
				copy(bias, b.Data)
			}
			stages = append(stages, &stage{
				kind:   kind,
				name:   l.Name,
				layer:  l,
				last:   i,
				kernel: append([]float32(nil), k.Data...),
				kshape: append([]int(nil), k.Shape...),
				bias:   bias,
			})

		case graph.OpBatchNorm:
			p := prev()
			if p == nil || !p.hasWeights() || p.act != "" || p.last != i-1 {
				return nil, fmt.Errorf("%w: batch_norm %q must directly follow conv2d or dense", ErrUnsupportedOp, l.Name)
			}
			scale, shift, err := m.BatchNormAffine(l)
			if err != nil {
				return nil, err
			}
			cout := len(p.bias)
			if len(scale) != cout {
				return nil, fmt.Errorf("batch_norm %q: %d channels, %q has %d", l.Name, len(scale), p.name, cout)
			}
			// Output channel is the innermost kernel axis for both HWIO and [in, units].
			for j := range p.kernel {
				p.kernel[j] *= scale[j%cout]
			}
			for c := range p.bias {
				p.bias[c] = p.bias[c]*scale[c] + shift[c]
			}
			p.last = i

		case graph.OpReLU, graph.OpReLU6:
			if p := prev(); p != nil && p.hasWeights() && p.act == "" && p.last == i-1 {
				p.act = l.Op
				p.last = i
				continue
			}
			stages = append(stages, &stage{kind: qmf.OpReLU, name: l.Name, layer: l, last: i, act: l.Op})

		case graph.OpMaxPool2D:
			stages = append(stages, &stage{kind: qmf.OpMaxPool2D, name: l.Name, layer: l, last: i})
		case graph.OpAvgPool2D:
			stages = append(stages, &stage{kind: qmf.OpAvgPool2D, name: l.Name, layer: l, last: i})
		case graph.OpFlatten:
			stages = append(stages, &stage{kind: qmf.OpReshape, name: l.Name, layer: l, last: i})

		default:
			return nil, fmt.Errorf("%w: %s %q", ErrUnsupportedOp, l.Op, l.Name)
		}
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: empty graph", ErrUnsupportedOp)
	}
	return stages, nil
}

// forward runs one lowered stage on the float runtime.
func (s *stage) forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	var (
		out *tensor.Tensor
		err error
	)
	l := s.layer
	switch s.kind {
	case qmf.OpConv2D:
		pad, perr := l.PaddingMode()
		if perr != nil {
			return nil, perr
		}
		out, err = tensor.Conv2D(in, s.kernel, s.bias, l.KernelSize, l.KernelSize, l.Filters, l.Stride(), pad)
	case qmf.OpDense:
		out, err = tensor.Dense(in, s.kernel, s.bias, l.Units)
	case qmf.OpMaxPool2D, qmf.OpAvgPool2D:
		pad, perr := l.PaddingMode()
		if perr != nil {
			return nil, perr
		}
		if s.kind == qmf.OpMaxPool2D {
			out, err = tensor.MaxPool2D(in, l.Pool(), l.Stride(), pad)
		} else {
			out, err = tensor.AvgPool2D(in, l.Pool(), l.Stride(), pad)
		}
	case qmf.OpReshape:
		out, err = tensor.Flatten(in.Clone())
	case qmf.OpReLU:
		out = in.Clone()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOp, s.kind)
	}
	if err != nil {
		return nil, err
	}
	switch s.act {
	case graph.OpReLU:
		tensor.ReLU(out.Data)
	case graph.OpReLU6:
		tensor.ReLU6(out.Data)
	}
	return out, nil
}
