// Package safetensors reads and writes the safetensors weight format used for
// trained float models.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// maxHeaderSize bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderSize = 100 << 20

const metadataKey = "__metadata__"

// ErrFormat reports a structurally invalid file.
var ErrFormat = errors.New("safetensors: invalid file")

// elemSize is the width of each dtype the reader knows about. Tensors of
// other dtypes can still be listed and read raw.
var elemSize = map[string]int64{
	"F64": 8, "F32": 4, "F16": 2, "BF16": 2,
	"I64": 8, "I32": 4, "I16": 2, "I8": 1, "U8": 1, "BOOL": 1,
}

// TensorInfo locates one tensor inside the data region.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors header. Payloads are read on demand.
type File struct {
	Path      string
	DataStart int64
	DataSize  int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// Open parses the header at path and checks every tensor's offsets against
// the data region and, for known dtypes, against its shape.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read header length: %v", ErrFormat, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderSize || int64(headerLen) > st.Size()-8 {
		return nil, fmt.Errorf("%w: header length %d exceeds file or limit", ErrFormat, headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrFormat, err)
	}

	out := &File{Path: path, DataStart: 8 + int64(headerLen)}
	out.DataSize = st.Size() - out.DataStart
	if err := out.parseHeader(header); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *File) parseHeader(header []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return fmt.Errorf("%w: parse header: %v", ErrFormat, err)
	}
	if msg, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(msg, &f.Metadata); err != nil {
			return fmt.Errorf("%w: parse metadata: %v", ErrFormat, err)
		}
		delete(raw, metadataKey)
	}

	f.Tensors = make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("%w: tensor %s: %v", ErrFormat, name, err)
		}
		info, err := f.checkTensor(th)
		if err != nil {
			return fmt.Errorf("%w: tensor %s: %v", ErrFormat, name, err)
		}
		f.Tensors[name] = info
	}
	return nil
}

func (f *File) checkTensor(th tensorHeader) (TensorInfo, error) {
	if len(th.DataOffsets) != 2 {
		return TensorInfo{}, errors.New("data_offsets must have two entries")
	}
	start, end := th.DataOffsets[0], th.DataOffsets[1]
	if start < 0 || end < start || end > f.DataSize {
		return TensorInfo{}, fmt.Errorf("offsets [%d, %d) outside data region of %d bytes", start, end, f.DataSize)
	}
	n, err := numElements(th.Shape)
	if err != nil {
		return TensorInfo{}, err
	}
	if size, ok := elemSize[th.DType]; ok && int64(n)*size != end-start {
		return TensorInfo{}, fmt.Errorf("%s %v needs %d bytes, offsets span %d", th.DType, th.Shape, int64(n)*size, end-start)
	}
	return TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}, nil
}

// Names lists the tensors in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw little-endian payload of name.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("tensor not found: %s", name)
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	defer func() { _ = file.Close() }()

	buf := make([]byte, t.End-t.Start)
	if _, err := file.ReadAt(buf, f.DataStart+t.Start); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}

// ReadTensorF32 reads a tensor and widens F16/BF16 payloads to float32.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	out, err := DecodeF32(raw, info)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return out, info, nil
}

// DecodeF32 converts a raw payload described by info into float32 values.
func DecodeF32(raw []byte, info TensorInfo) ([]float32, error) {
	n, err := numElements(info.Shape)
	if err != nil {
		return nil, err
	}
	var width int
	var conv func([]byte) float32
	switch info.DType {
	case "F32":
		width = 4
		conv = func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
	case "F16":
		width = 2
		conv = func(b []byte) float32 { return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32() }
	case "BF16":
		width = 2
		conv = func(b []byte) float32 { return bf16ToF32(binary.LittleEndian.Uint16(b)) }
	default:
		return nil, fmt.Errorf("unsupported dtype %s", info.DType)
	}
	if len(raw) != n*width {
		return nil, fmt.Errorf("%s payload is %d bytes, want %d", info.DType, len(raw), n*width)
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = conv(raw[i*width:])
	}
	return out, nil
}

// numElements treats an empty shape as a scalar.
func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}
