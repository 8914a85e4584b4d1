package qmf

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	ModelInfoVersion  uint32 = 1
	TensorDataVersion uint32 = 1
)

// DType identifies the tensor element encoding.
// Keep these stable forever; add new values only.
type DType uint32

const (
	DTypeUnknown DType = iota
	DTypeF32
	DTypeI8
	DTypeI32
)

var dtypeNames = map[DType]string{
	DTypeF32: "f32",
	DTypeI8:  "i8",
	DTypeI32: "i32",
}

func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return "unknown"
}

// Size returns the element width in bytes, or 0 for unknown types.
func (d DType) Size() int {
	switch d {
	case DTypeI8:
		return 1
	case DTypeF32, DTypeI32:
		return 4
	default:
		return 0
	}
}

func (d DType) MarshalText() ([]byte, error) {
	s, ok := dtypeNames[d]
	if !ok {
		return nil, fmt.Errorf("qmf: unknown dtype %d", uint32(d))
	}
	return []byte(s), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	for k, v := range dtypeNames {
		if v == string(b) {
			*d = k
			return nil
		}
	}
	return fmt.Errorf("qmf: unknown dtype %q", string(b))
}

// OpKind names an integer kernel.
type OpKind string

const (
	OpConv2D    OpKind = "conv2d"
	OpDense     OpKind = "dense"
	OpMaxPool2D OpKind = "max_pool2d"
	OpAvgPool2D OpKind = "avg_pool2d"
	OpReshape   OpKind = "reshape"
	OpReLU      OpKind = "relu"
)

// TensorInfo is one entry of the tensor table.
// DataOff is an absolute file offset, so payloads can be sliced straight out
// of the mapping.
type TensorInfo struct {
	Name     string `json:"name"`
	DType    DType  `json:"dtype"`
	Shape    []int  `json:"shape"`
	DataOff  uint64 `json:"data_off,omitempty"`
	DataSize uint64 `json:"data_size,omitempty"`
}

func (t TensorInfo) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Op is one node of the lowered integer graph. Inputs are tensor ids:
// [activation] for pools, reshape and relu; [activation, weights, bias] for
// conv2d and dense. Multiplier/Shift encode s_in*s_w/s_out as a fixed-point
// requantization factor; ActMin/ActMax is the fused activation clamp in the
// output's quantized domain.
type Op struct {
	Kind       OpKind `json:"kind"`
	Name       string `json:"name,omitempty"`
	Inputs     []int  `json:"inputs"`
	Output     int    `json:"output"`
	KernelH    int    `json:"kernel_h,omitempty"`
	KernelW    int    `json:"kernel_w,omitempty"`
	Stride     int    `json:"stride,omitempty"`
	Padding    string `json:"padding,omitempty"`
	Activation string `json:"activation,omitempty"`
	Multiplier int32  `json:"multiplier,omitempty"`
	Shift      int    `json:"shift,omitempty"`
	ActMin     int32  `json:"act_min"`
	ActMax     int32  `json:"act_max"`
}

type ModelInfo struct {
	Name     string       `json:"name"`
	Producer string       `json:"producer,omitempty"`
	Input    int          `json:"input"`
	Output   int          `json:"output"`
	Tensors  []TensorInfo `json:"tensors"`
	Ops      []Op         `json:"ops"`
}

var errBadModelInfo = errors.New("qmf: invalid model info")

// Validate checks that every tensor reference resolves.
func (mi *ModelInfo) Validate() error {
	n := len(mi.Tensors)
	if n == 0 || len(mi.Ops) == 0 {
		return fmt.Errorf("%w: empty graph", errBadModelInfo)
	}
	inRange := func(id int) bool { return id >= 0 && id < n }
	if !inRange(mi.Input) || !inRange(mi.Output) || mi.Input == mi.Output {
		return fmt.Errorf("%w: bad input/output ids %d/%d", errBadModelInfo, mi.Input, mi.Output)
	}
	for i, t := range mi.Tensors {
		if t.DType.Size() == 0 {
			return fmt.Errorf("%w: tensor %d has unknown dtype", errBadModelInfo, i)
		}
		for _, d := range t.Shape {
			if d <= 0 {
				return fmt.Errorf("%w: tensor %d has shape %v", errBadModelInfo, i, t.Shape)
			}
		}
	}
	for i, op := range mi.Ops {
		if len(op.Inputs) == 0 || !inRange(op.Output) {
			return fmt.Errorf("%w: op %d (%s) has bad operands", errBadModelInfo, i, op.Kind)
		}
		for _, id := range op.Inputs {
			if !inRange(id) {
				return fmt.Errorf("%w: op %d (%s) references tensor %d", errBadModelInfo, i, op.Kind, id)
			}
		}
	}
	return nil
}

func EncodeModelInfo(mi *ModelInfo) ([]byte, error) {
	if err := mi.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(mi)
}

func ParseModelInfo(data []byte) (*ModelInfo, error) {
	var mi ModelInfo
	if err := json.Unmarshal(data, &mi); err != nil {
		return nil, fmt.Errorf("%w: model info: %v", ErrCorruptFile, err)
	}
	if err := mi.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return &mi, nil
}
