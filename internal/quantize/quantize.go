// Package quantize converts a trained float model into an 8-bit fixed-point
// QMF blob using post-training calibration.
package quantize

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/npuexport/internal/graph"
	"github.com/samcharles93/npuexport/internal/logger"
	"github.com/samcharles93/npuexport/internal/tensor"
	"github.com/samcharles93/npuexport/pkg/qmf"
	"github.com/samcharles93/npuexport/pkg/quant"
)

// Producer is recorded in every blob this package writes.
const Producer = "npuexport"

// Samples yields calibration inputs once each. *calib.Cursor satisfies it.
type Samples interface {
	Next() (*tensor.Tensor, bool)
}

type Options struct {
	// Name overrides the model name recorded in the blob.
	Name string
}

// Params are the quantization parameters of the model boundary.
type Params struct {
	Input  quant.Params
	Output quant.Params
}

// Model is an immutable quantized model: the serialized QMF blob plus the
// boundary parameters. Every internal parameter lives in the blob.
type Model struct {
	Name    string
	Blob    []byte
	Params  Params
	Samples int
}

type Quantizer struct {
	log  logger.Logger
	opts Options
}

func New(log logger.Logger, opts Options) *Quantizer {
	return &Quantizer{log: logger.ForStage(log, "quantize"), opts: opts}
}

// Quantize lowers m, consumes every calibration sample exactly once to
// observe activation ranges, and emits the int8 blob.
func (q *Quantizer) Quantize(ctx context.Context, m *graph.Model, samples Samples) (*Model, error) {
	start := time.Now()
	if err := m.CheckContract(); err != nil {
		return nil, err
	}
	shapes, err := m.Shapes()
	if err != nil {
		return nil, err
	}
	stages, err := lower(m)
	if err != nil {
		return nil, err
	}
	q.log.Debug("lowered graph", "layers", len(m.Spec.Layers), "stages", len(stages))

	var inRange quant.Range
	ranges := make([]quant.Range, len(stages))
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, ok := samples.Next()
		if !ok {
			break
		}
		inRange.Observe(x.Data)
		h := x
		for i, s := range stages {
			if h, err = s.forward(h); err != nil {
				return nil, fmt.Errorf("calibrate %s: %w", s.name, err)
			}
			if s.hasWeights() {
				ranges[i].Observe(h.Data)
			}
		}
		n++
	}
	q.log.Debug("calibration done", "samples", n)

	name := q.opts.Name
	if name == "" {
		name = m.Spec.Name
	}
	out, err := emit(name, stages, shapes, inRange, ranges)
	if err != nil {
		return nil, err
	}
	out.Samples = n
	q.log.Info("model quantized",
		"name", name,
		"samples", n,
		"bytes", len(out.Blob),
		"input_scale", out.Params.Input.Scale,
		"input_zero_point", out.Params.Input.ZeroPoint,
		"output_scale", out.Params.Output.Scale,
		"output_zero_point", out.Params.Output.ZeroPoint,
		"took", time.Since(start),
	)
	return out, nil
}

// builder accumulates the tensor table, quant records and payloads.
type builder struct {
	tensors []qmf.TensorInfo
	quant   []qmf.QuantRecord
	data    [][]byte
}

func (b *builder) add(ti qmf.TensorInfo, rec qmf.QuantRecord, payload []byte) int {
	id := len(b.tensors)
	rec.TensorIndex = uint32(id)
	b.tensors = append(b.tensors, ti)
	b.quant = append(b.quant, rec)
	b.data = append(b.data, payload)
	return id
}

func (b *builder) activation(name string, shape []int, p quant.Params, r quant.Range) int {
	return b.add(
		qmf.TensorInfo{Name: name, DType: qmf.DTypeI8, Shape: append([]int(nil), shape...)},
		qmf.QuantRecord{Domain: qmf.DomainActivations, Scale: p.Scale, ZeroPoint: p.ZeroPoint, MinClip: r.Min, MaxClip: r.Max},
		nil,
	)
}

func emit(name string, stages []*stage, shapes [][]int, inRange quant.Range, ranges []quant.Range) (*Model, error) {
	inP, err := inRange.Params()
	if err != nil {
		return nil, fmt.Errorf("tensor input: %w", err)
	}

	var b builder
	inID := b.activation("input", graph.InputShape, inP, inRange)
	cur, curP, curRange := inID, inP, inRange

	ops := make([]qmf.Op, 0, len(stages))
	for i, s := range stages {
		outShape := shapes[s.last]
		op := qmf.Op{Kind: s.kind, Name: s.name, Activation: string(s.act)}

		if s.hasWeights() {
			outP, err := ranges[i].Params()
			if err != nil {
				return nil, fmt.Errorf("tensor %s/output: %w", s.name, err)
			}
			wlo, whi := quant.MinMax(s.kernel)
			wP, err := quant.ObserveParams(s.kernel)
			if err != nil {
				return nil, fmt.Errorf("tensor %s/kernel: %w", s.name, err)
			}
			wq := make([]int8, len(s.kernel))
			wP.QuantizeSlice(wq, s.kernel)

			biasScale := float64(curP.Scale) * float64(wP.Scale)
			bq := make([]int32, len(s.bias))
			for c, v := range s.bias {
				bq[c] = quant.QuantizeBias(v, biasScale)
			}
			blo, bhi := quant.MinMax(s.bias)

			wID := b.add(
				qmf.TensorInfo{Name: s.name + "/kernel", DType: qmf.DTypeI8, Shape: s.kshape},
				qmf.QuantRecord{Domain: qmf.DomainWeights, Scale: wP.Scale, ZeroPoint: wP.ZeroPoint, MinClip: wlo, MaxClip: whi},
				qmf.Int8Bytes(wq),
			)
			bID := b.add(
				qmf.TensorInfo{Name: s.name + "/bias", DType: qmf.DTypeI32, Shape: []int{len(bq)}},
				qmf.QuantRecord{Domain: qmf.DomainBias, Scale: float32(biasScale), MinClip: blo, MaxClip: bhi},
				qmf.Int32Bytes(bq),
			)
			outID := b.activation(s.name+"/output", outShape, outP, ranges[i])

			op.Inputs = []int{cur, wID, bID}
			op.Output = outID
			op.Multiplier, op.Shift = quant.QuantizeMultiplier(biasScale / float64(outP.Scale))
			if op.Multiplier == 0 {
				return nil, fmt.Errorf("%w: %s requantization factor %g not representable",
					quant.ErrDegenerateRange, s.name, biasScale/float64(outP.Scale))
			}
			op.ActMin, op.ActMax = activationBounds(s.act, outP)
			if s.kind == qmf.OpConv2D {
				pad, err := s.layer.PaddingMode()
				if err != nil {
					return nil, err
				}
				op.KernelH, op.KernelW = s.layer.KernelSize, s.layer.KernelSize
				op.Stride = s.layer.Stride()
				op.Padding = string(pad)
			}
			cur, curP, curRange = outID, outP, ranges[i]
		} else {
			// Pools, reshape and standalone relu keep their input's params.
			outID := b.activation(s.name+"/output", outShape, curP, curRange)
			op.Inputs = []int{cur}
			op.Output = outID
			op.ActMin, op.ActMax = activationBounds(s.act, curP)
			if s.kind == qmf.OpMaxPool2D || s.kind == qmf.OpAvgPool2D {
				pad, err := s.layer.PaddingMode()
				if err != nil {
					return nil, err
				}
				op.KernelH, op.KernelW = s.layer.Pool(), s.layer.Pool()
				op.Stride = s.layer.Stride()
				op.Padding = string(pad)
			}
			cur = outID
		}
		ops = append(ops, op)
	}

	blob, err := qmf.Encode(&qmf.Model{
		Info: qmf.ModelInfo{
			Name:     name,
			Producer: Producer,
			Input:    inID,
			Output:   cur,
			Tensors:  b.tensors,
			Ops:      ops,
		},
		Quant: b.quant,
		Data:  b.data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode blob: %w", err)
	}
	return &Model{
		Name:   name,
		Blob:   blob,
		Params: Params{Input: inP, Output: curP},
	}, nil
}

// activationBounds returns the clamp of a fused activation in the quantized
// domain of p.
func activationBounds(act graph.Op, p quant.Params) (lo, hi int32) {
	lo, hi = quant.QMin, quant.QMax
	switch act {
	case graph.OpReLU:
		lo = int32(p.Quantize(0))
	case graph.OpReLU6:
		lo = int32(p.Quantize(0))
		hi = int32(p.Quantize(6))
	}
	return lo, hi
}
