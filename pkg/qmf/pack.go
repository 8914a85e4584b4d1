package qmf

import (
	"encoding/binary"
	"fmt"
)

// Model is the decoded content of a QMF container.
type Model struct {
	Info  ModelInfo
	Quant []QuantRecord
	// Data holds constant payloads indexed by tensor id; nil for activations.
	Data [][]byte
}

// QuantFor returns the quantization record for tensor id.
func (m *Model) QuantFor(id int) (QuantRecord, bool) {
	for _, r := range m.Quant {
		if int(r.TensorIndex) == id {
			return r, true
		}
	}
	return QuantRecord{}, false
}

// Pack writes m to t. Constant payloads are 64-byte aligned inside the
// TensorData section and their offsets recorded in the tensor table; m is not
// modified.
func Pack(t Target, m *Model) error {
	if len(m.Data) > len(m.Info.Tensors) {
		return fmt.Errorf("qmf: %d payloads for %d tensors", len(m.Data), len(m.Info.Tensors))
	}
	info := m.Info
	info.Tensors = append([]TensorInfo(nil), m.Info.Tensors...)

	w, err := NewWriter(t)
	if err != nil {
		return err
	}
	if err := w.AddFlags(FlagTensorDataAligned64); err != nil {
		return err
	}

	sw, err := w.BeginSection(SectionTensorData, TensorDataVersion)
	if err != nil {
		return err
	}
	for id, p := range m.Data {
		if len(p) == 0 {
			continue
		}
		ti := &info.Tensors[id]
		if want := ti.NumElements() * ti.DType.Size(); want != len(p) {
			return fmt.Errorf("qmf: tensor %s: payload is %d bytes, want %d", ti.Name, len(p), want)
		}
		if err := sw.Align(dataAlign); err != nil {
			return err
		}
		off, err := sw.Offset()
		if err != nil {
			return err
		}
		if _, err := sw.Write(p); err != nil {
			return err
		}
		ti.DataOff = off
		ti.DataSize = uint64(len(p))
	}
	if err := sw.End(); err != nil {
		return err
	}

	qi, err := EncodeQuantInfoSection(m.Quant)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionQuantInfo, QuantInfoVersion, qi); err != nil {
		return err
	}
	mi, err := EncodeModelInfo(&info)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, mi); err != nil {
		return err
	}
	return w.Finalise()
}

// Encode packs m into a new in-memory blob.
func Encode(m *Model) ([]byte, error) {
	var buf Buffer
	if err := Pack(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads every section of f into a Model. Payloads are copied, so the
// result stays valid after f is closed.
func Decode(f *File) (*Model, error) {
	miSec := f.Section(SectionModelInfo)
	qiSec := f.Section(SectionQuantInfo)
	tdSec := f.Section(SectionTensorData)
	if miSec == nil || qiSec == nil || tdSec == nil {
		return nil, fmt.Errorf("%w: missing required section", ErrCorruptFile)
	}
	if miSec.Version != ModelInfoVersion || tdSec.Version != TensorDataVersion {
		return nil, ErrUnsupportedMinor
	}
	info, err := ParseModelInfo(f.SectionData(miSec))
	if err != nil {
		return nil, err
	}
	quant, err := ParseQuantInfoSection(f.SectionData(qiSec))
	if err != nil {
		return nil, err
	}

	seen := make(map[uint32]struct{}, len(quant))
	for _, r := range quant {
		if int(r.TensorIndex) >= len(info.Tensors) {
			return nil, fmt.Errorf("%w: quant record for tensor %d", ErrCorruptFile, r.TensorIndex)
		}
		if _, dup := seen[r.TensorIndex]; dup {
			return nil, fmt.Errorf("%w: duplicate quant record for tensor %d", ErrCorruptFile, r.TensorIndex)
		}
		seen[r.TensorIndex] = struct{}{}
	}

	aligned := f.Header.Flags&FlagTensorDataAligned64 != 0
	data := make([][]byte, len(info.Tensors))
	for id, ti := range info.Tensors {
		if ti.DataSize == 0 {
			continue
		}
		end := ti.DataOff + ti.DataSize
		if ti.DataOff < tdSec.Offset || end < ti.DataOff || end > tdSec.End() {
			return nil, fmt.Errorf("%w: tensor %s payload outside tensor data", ErrCorruptFile, ti.Name)
		}
		if aligned && ti.DataOff%dataAlign != 0 {
			return nil, fmt.Errorf("%w: tensor %s payload not %d-byte aligned", ErrCorruptFile, ti.Name, dataAlign)
		}
		if want := uint64(ti.NumElements() * ti.DType.Size()); want != ti.DataSize {
			return nil, fmt.Errorf("%w: tensor %s payload size %d, want %d", ErrCorruptFile, ti.Name, ti.DataSize, want)
		}
		data[id] = append([]byte(nil), f.Data[ti.DataOff:end]...)
	}
	return &Model{Info: *info, Quant: quant, Data: data}, nil
}

// DecodeBytes validates and decodes an in-memory blob.
func DecodeBytes(blob []byte) (*Model, error) {
	f, err := OpenBytes(blob)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Int8Bytes encodes v as a raw payload.
func Int8Bytes(v []int8) []byte {
	out := make([]byte, len(v))
	for i, x := range v {
		out[i] = byte(x)
	}
	return out
}

// Int32Bytes encodes v as a little-endian payload.
func Int32Bytes(v []int32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], uint32(x))
	}
	return out
}

// Int8s decodes a raw int8 payload.
func Int8s(p []byte) []int8 {
	out := make([]int8, len(p))
	for i, b := range p {
		out[i] = int8(b)
	}
	return out
}

// Int32s decodes a little-endian int32 payload. Trailing bytes are ignored.
func Int32s(p []byte) []int32 {
	out := make([]int32, len(p)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(p[i*4:]))
	}
	return out
}
