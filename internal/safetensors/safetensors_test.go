package safetensors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

// writeRaw creates a safetensors file from an explicit header and payload.
func writeRaw(t *testing.T, path string, header map[string]any, data []byte) {
	t.Helper()
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	buf.Write(lenBuf[:])
	buf.Write(headerBytes)
	buf.Write(data)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestWriteThenOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")

	tensors := []Tensor{
		{Name: "dense/kernel", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "conv/bias", Shape: []int{2}, Data: []float32{-0.5, 0.25}},
	}
	if err := WriteFile(path, tensors, map[string]string{"format": "npuexport"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(f.Tensors) != 2 {
		t.Fatalf("expected 2 tensors, got %d", len(f.Tensors))
	}
	if f.Metadata["format"] != "npuexport" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
	if (f.DataStart-8)%8 != 0 {
		t.Fatalf("header not padded to 8 bytes: data start %d", f.DataStart)
	}

	for _, want := range tensors {
		got, info, err := f.ReadTensorF32(want.Name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", want.Name, err)
		}
		if info.DType != "F32" {
			t.Fatalf("%s dtype = %s", want.Name, info.DType)
		}
		if diff := cmp.Diff(want.Shape, info.Shape); diff != "" {
			t.Fatalf("%s shape (-want +got):\n%s", want.Name, diff)
		}
		if diff := cmp.Diff(want.Data, got); diff != "" {
			t.Fatalf("%s data (-want +got):\n%s", want.Name, diff)
		}
	}
}

func TestWriteDeterministic(t *testing.T) {
	t.Parallel()

	a := []Tensor{
		{Name: "b", Shape: []int{1}, Data: []float32{2}},
		{Name: "a", Shape: []int{1}, Data: []float32{1}},
	}
	b := []Tensor{a[1], a[0]}

	var bufA, bufB bytes.Buffer
	if err := Write(&bufA, a, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Write(&bufB, b, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(bufA.Bytes(), bufB.Bytes()) {
		t.Fatalf("output depends on input order")
	}
}

func TestWriteRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := map[string][]Tensor{
		"shape mismatch": {{Name: "w", Shape: []int{2, 2}, Data: []float32{1}}},
		"duplicate":      {{Name: "w", Shape: []int{1}, Data: []float32{1}}, {Name: "w", Shape: []int{1}, Data: []float32{1}}},
		"empty name":     {{Name: "", Shape: []int{1}, Data: []float32{1}}},
		"reserved name":  {{Name: metadataKey, Shape: []int{1}, Data: []float32{1}}},
	}
	for name, tensors := range cases {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Write(&buf, tensors, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/path/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestOpenOversizedHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "huge.safetensors")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], maxHeaderSize+1)
	if err := os.WriteFile(path, lenBuf[:], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for oversized header")
	}
}

func TestOpenInvalidJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "invalid.safetensors")

	body := []byte("{not json")
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(body)))
	if err := os.WriteFile(path, append(lenBuf[:], body...), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestOpenRejectsBadOffsets(t *testing.T) {
	t.Parallel()

	cases := map[string]tensorHeader{
		"one offset":     {DType: "F32", Shape: []int{2}, DataOffsets: []int64{0}},
		"inverted":       {DType: "F32", Shape: []int{2}, DataOffsets: []int64{8, 0}},
		"past data":      {DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 16}},
		"size mismatch":  {DType: "F32", Shape: []int{4}, DataOffsets: []int64{0, 8}},
		"negative dim":   {DType: "U8", Shape: []int{-1}, DataOffsets: []int64{0, 0}},
		"negative start": {DType: "U8", Shape: []int{1}, DataOffsets: []int64{-1, 0}},
	}
	for name, th := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "bad.safetensors")
			writeRaw(t, path, map[string]any{"weight": th}, make([]byte, 8))
			_, err := Open(path)
			if !errors.Is(err, ErrFormat) {
				t.Fatalf("Open error = %v, want ErrFormat", err)
			}
		})
	}
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	tensors := []Tensor{
		{Name: "output/kernel", Shape: []int{1}, Data: []float32{1}},
		{Name: "conv1/bias", Shape: []int{1}, Data: []float32{2}},
		{Name: "bn1/gamma", Shape: []int{1}, Data: []float32{3}},
	}
	if err := WriteFile(path, tensors, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if diff := cmp.Diff([]string{"bn1/gamma", "conv1/bias", "output/kernel"}, f.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if f.DataSize != 12 {
		t.Fatalf("data size = %d, want 12", f.DataSize)
	}
}

func TestTensorNotFound(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := WriteFile(path, []Tensor{{Name: "a", Shape: []int{1}, Data: []float32{1}}}, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := f.Tensor("missing"); ok {
		t.Fatal("expected missing tensor lookup to fail")
	}
	if _, _, err := f.ReadTensorF32("missing"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestReadTensorHalfPrecision(t *testing.T) {
	t.Parallel()

	values := []float32{1, -2.5, 0.125}
	half := make([]byte, 2*len(values))
	brain := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(half[i*2:], float16.Fromfloat32(v).Bits())
		binary.LittleEndian.PutUint16(brain[i*2:], uint16(math.Float32bits(v)>>16))
	}
	data := append(append([]byte{}, half...), brain...)

	path := filepath.Join(t.TempDir(), "half.safetensors")
	writeRaw(t, path, map[string]any{
		"h": tensorHeader{DType: "F16", Shape: []int{3}, DataOffsets: []int64{0, 6}},
		"b": tensorHeader{DType: "BF16", Shape: []int{3}, DataOffsets: []int64{6, 12}},
	}, data)

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, name := range []string{"h", "b"} {
		got, _, err := f.ReadTensorF32(name)
		if err != nil {
			t.Fatalf("ReadTensorF32(%s): %v", name, err)
		}
		if diff := cmp.Diff(values, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", name, diff)
		}
	}
}

func TestReadTensorUnsupportedDType(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "i8.safetensors")
	writeRaw(t, path, map[string]any{
		"q": tensorHeader{DType: "I8", Shape: []int{4}, DataOffsets: []int64{0, 4}},
	}, make([]byte, 4))
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.ReadTensorF32("q"); err == nil {
		t.Fatal("expected error for unsupported dtype")
	}
}

func TestBf16ToF32(t *testing.T) {
	t.Parallel()
	if got := bf16ToF32(0x3F80); got != 1.0 {
		t.Fatalf("bf16ToF32(0x3F80) = %v, want 1", got)
	}
	if got := bf16ToF32(0xC000); got != -2.0 {
		t.Fatalf("bf16ToF32(0xC000) = %v, want -2", got)
	}
}
