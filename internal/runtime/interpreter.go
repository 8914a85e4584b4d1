// Package runtime executes QMF blobs with integer-only arithmetic, matching
// what a microcontroller kernel library computes.
package runtime

import (
	"errors"
	"fmt"

	"github.com/samcharles93/npuexport/internal/tensor"
	"github.com/samcharles93/npuexport/pkg/qmf"
	"github.com/samcharles93/npuexport/pkg/quant"
)

var (
	ErrInvalidModel = errors.New("invalid quantized model")
	ErrInputSize    = errors.New("input size mismatch")
)

// kernel is a prepared op: constants decoded and geometry resolved.
type kernel struct {
	op      qmf.Op
	in, out int
	win     tensor.Window
	inShape []int
	outLen  int

	// conv2d/dense
	weights []int32 // q - zero_point
	bias    []int32
	inZP    int32
	outZP   int32
	cin     int
	cout    int
}

// Interpreter runs one decoded blob. It holds no per-call state, so Invoke
// is safe for concurrent use.
type Interpreter struct {
	model   *qmf.Model
	kernels []kernel
	params  []quant.Params // indexed by tensor id
}

// Load decodes and prepares an in-memory blob.
func Load(blob []byte) (*Interpreter, error) {
	m, err := qmf.DecodeBytes(blob)
	if err != nil {
		return nil, err
	}
	return prepare(m)
}

// Open maps a blob file and prepares it.
func Open(path string) (*Interpreter, error) {
	f, err := qmf.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	m, err := qmf.Decode(f)
	if err != nil {
		return nil, err
	}
	return prepare(m)
}

func prepare(m *qmf.Model) (*Interpreter, error) {
	n := len(m.Info.Tensors)
	it := &Interpreter{model: m, params: make([]quant.Params, n)}
	hasParams := make([]bool, n)
	for _, r := range m.Quant {
		it.params[r.TensorIndex] = quant.Params{Scale: r.Scale, ZeroPoint: r.ZeroPoint}
		hasParams[r.TensorIndex] = true
	}
	for id, ti := range m.Info.Tensors {
		if !hasParams[id] {
			return nil, fmt.Errorf("%w: tensor %s has no quant params", ErrInvalidModel, ti.Name)
		}
	}

	produced := make([]bool, n)
	produced[m.Info.Input] = true
	for i, op := range m.Info.Ops {
		k, err := it.prepareOp(op)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d (%s %s): %v", ErrInvalidModel, i, op.Kind, op.Name, err)
		}
		if !produced[k.in] {
			return nil, fmt.Errorf("%w: op %d reads tensor %d before it is produced", ErrInvalidModel, i, k.in)
		}
		if produced[k.out] {
			return nil, fmt.Errorf("%w: tensor %d produced twice", ErrInvalidModel, k.out)
		}
		produced[k.out] = true
		it.kernels = append(it.kernels, k)
	}
	if !produced[m.Info.Output] {
		return nil, fmt.Errorf("%w: output tensor is never produced", ErrInvalidModel)
	}
	return it, nil
}

func (it *Interpreter) prepareOp(op qmf.Op) (kernel, error) {
	tensors := it.model.Info.Tensors
	k := kernel{op: op, in: op.Inputs[0], out: op.Output}
	inT, outT := tensors[k.in], tensors[k.out]
	if inT.DType != qmf.DTypeI8 || outT.DType != qmf.DTypeI8 {
		return k, errors.New("activations must be i8")
	}
	if op.ActMin > op.ActMax || op.ActMin < quant.QMin || op.ActMax > quant.QMax {
		return k, fmt.Errorf("bad activation bounds [%d,%d]", op.ActMin, op.ActMax)
	}
	k.inShape = inT.Shape
	k.outLen = outT.NumElements()

	switch op.Kind {
	case qmf.OpConv2D, qmf.OpDense:
		if len(op.Inputs) != 3 {
			return k, errors.New("want activation, weights and bias inputs")
		}
		wT, bT := tensors[op.Inputs[1]], tensors[op.Inputs[2]]
		wData, bData := it.model.Data[op.Inputs[1]], it.model.Data[op.Inputs[2]]
		if wT.DType != qmf.DTypeI8 || bT.DType != qmf.DTypeI32 || wData == nil || bData == nil {
			return k, errors.New("weights must be constant i8 and bias constant i32")
		}
		if op.Multiplier <= 0 {
			return k, errors.New("missing requantization multiplier")
		}
		wZP := it.params[op.Inputs[1]].ZeroPoint
		raw := qmf.Int8s(wData)
		k.weights = make([]int32, len(raw))
		for i, v := range raw {
			k.weights[i] = int32(v) - wZP
		}
		k.bias = qmf.Int32s(bData)
		k.inZP = it.params[k.in].ZeroPoint
		k.outZP = it.params[k.out].ZeroPoint

		if op.Kind == qmf.OpConv2D {
			if len(inT.Shape) != 4 || len(wT.Shape) != 4 {
				return k, errors.New("conv2d wants NHWC input and HWIO weights")
			}
			k.cin, k.cout = inT.Shape[3], wT.Shape[3]
			if wT.Shape[0] != op.KernelH || wT.Shape[1] != op.KernelW || wT.Shape[2] != k.cin {
				return k, fmt.Errorf("weights %v do not match kernel %dx%d over %d channels", wT.Shape, op.KernelH, op.KernelW, k.cin)
			}
			if err := k.resolveWindow(op.KernelH, op.KernelW, outT.Shape, k.cout); err != nil {
				return k, err
			}
		} else {
			if len(inT.Shape) != 2 || len(wT.Shape) != 2 || wT.Shape[0] != inT.Shape[1] {
				return k, fmt.Errorf("dense weights %v do not match input %v", wT.Shape, inT.Shape)
			}
			k.cin, k.cout = wT.Shape[0], wT.Shape[1]
			if !tensor.SameShape(outT.Shape, []int{inT.Shape[0], k.cout}) {
				return k, fmt.Errorf("output shape %v, want [%d %d]", outT.Shape, inT.Shape[0], k.cout)
			}
		}
		if len(k.bias) != k.cout {
			return k, fmt.Errorf("bias has %d entries, want %d", len(k.bias), k.cout)
		}

	case qmf.OpMaxPool2D, qmf.OpAvgPool2D:
		if len(inT.Shape) != 4 {
			return k, errors.New("pool wants NHWC input")
		}
		if err := k.resolveWindow(op.KernelH, op.KernelW, outT.Shape, inT.Shape[3]); err != nil {
			return k, err
		}
		if !sameParams(it.params[k.in], it.params[k.out]) {
			return k, errors.New("pool output must share input params")
		}

	case qmf.OpReshape, qmf.OpReLU:
		if inT.NumElements() != k.outLen {
			return k, fmt.Errorf("element count %d -> %d", inT.NumElements(), k.outLen)
		}
		if !sameParams(it.params[k.in], it.params[k.out]) {
			return k, errors.New("output must share input params")
		}

	default:
		return k, fmt.Errorf("unknown op kind %q", op.Kind)
	}
	return k, nil
}

func (k *kernel) resolveWindow(kh, kw int, outShape []int, channels int) error {
	pad, err := tensor.ParsePadding(k.op.Padding)
	if err != nil {
		return err
	}
	win, err := tensor.NewWindow(k.inShape[1], k.inShape[2], kh, kw, k.op.Stride, pad)
	if err != nil {
		return err
	}
	want := []int{k.inShape[0], win.OutH, win.OutW, channels}
	if !tensor.SameShape(outShape, want) {
		return fmt.Errorf("output shape %v, want %v", outShape, want)
	}
	k.win = win
	return nil
}

func sameParams(a, b quant.Params) bool {
	return a.Scale == b.Scale && a.ZeroPoint == b.ZeroPoint
}

func (it *Interpreter) Name() string { return it.model.Info.Name }

// InputParams are the quantization params callers must quantize inputs with.
func (it *Interpreter) InputParams() quant.Params { return it.params[it.model.Info.Input] }

// OutputParams dequantize the returned logits.
func (it *Interpreter) OutputParams() quant.Params { return it.params[it.model.Info.Output] }

func (it *Interpreter) InputShape() []int {
	return append([]int(nil), it.model.Info.Tensors[it.model.Info.Input].Shape...)
}

func (it *Interpreter) OutputLen() int {
	return it.model.Info.Tensors[it.model.Info.Output].NumElements()
}

// Model returns the decoded blob. Callers must not modify it.
func (it *Interpreter) Model() *qmf.Model { return it.model }

// QuantizeInput maps a real-valued input onto the input tensor's grid.
func (it *Interpreter) QuantizeInput(x []float32) []int8 {
	q := make([]int8, len(x))
	it.InputParams().QuantizeSlice(q, x)
	return q
}

// Invoke runs the graph on a quantized input and returns the quantized
// output. in is not modified.
func (it *Interpreter) Invoke(in []int8) ([]int8, error) {
	inID := it.model.Info.Input
	if want := it.model.Info.Tensors[inID].NumElements(); len(in) != want {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrInputSize, len(in), want)
	}
	bufs := make(map[int][]int8, len(it.kernels)+1)
	bufs[inID] = in
	for i := range it.kernels {
		k := &it.kernels[i]
		out := make([]int8, k.outLen)
		src := bufs[k.in]
		switch k.op.Kind {
		case qmf.OpConv2D:
			k.conv2D(src, out)
		case qmf.OpDense:
			k.dense(src, out)
		case qmf.OpMaxPool2D:
			k.pool(src, out, false)
		case qmf.OpAvgPool2D:
			k.pool(src, out, true)
		case qmf.OpReshape, qmf.OpReLU:
			for j, v := range src {
				out[j] = quant.Clamp(int32(v), k.op.ActMin, k.op.ActMax)
			}
		}
		bufs[k.out] = out
	}
	return bufs[it.model.Info.Output], nil
}

// Dequantized runs Invoke and maps the output back to real values.
func (it *Interpreter) Dequantized(in []int8) ([]float32, error) {
	q, err := it.Invoke(in)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(q))
	it.OutputParams().DequantizeSlice(out, q)
	return out, nil
}
