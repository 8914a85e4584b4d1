package qmf

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	QuantInfoVersion uint32 = 1

	quantInfoHeaderSize = 8
	quantRecordSize     = 24
)

// QuantDomain says which family of tensor a record describes.
type QuantDomain uint8

const (
	DomainWeights     QuantDomain = 0 // int8, asymmetric over the weight range
	DomainActivations QuantDomain = 1 // int8, asymmetric over the calibrated range
	DomainBias        QuantDomain = 2 // int32, zero point 0, scale = s_in * s_w
)

func (d QuantDomain) String() string {
	switch d {
	case DomainWeights:
		return "weights"
	case DomainActivations:
		return "activations"
	case DomainBias:
		return "bias"
	default:
		return "unknown"
	}
}

// QuantRecord is the fixed-size quantization metadata of one tensor.
//
// On-disk layout (24 bytes, little-endian):
//
//	[0:4]   TensorIndex
//	[4]     Domain
//	[5:8]   reserved, zero
//	[8:12]  Scale (f32)
//	[12:16] ZeroPoint (i32)
//	[16:20] MinClip (f32)
//	[20:24] MaxClip (f32)
type QuantRecord struct {
	TensorIndex uint32
	Domain      QuantDomain
	Scale       float32
	ZeroPoint   int32

	// Range the parameters were derived from.
	MinClip float32
	MaxClip float32
}

var errBadQuantInfo = errors.New("qmf: corrupt quantinfo section")

// ParseQuantInfoSection decodes a QuantInfo section payload.
// Pass it File.SectionData(File.Section(SectionQuantInfo)).
func ParseQuantInfoSection(sec []byte) ([]QuantRecord, error) {
	if len(sec) < quantInfoHeaderSize {
		return nil, ErrCorruptFile
	}
	if binary.LittleEndian.Uint32(sec[0:4]) != QuantInfoVersion {
		return nil, ErrUnsupportedMinor
	}
	count := binary.LittleEndian.Uint32(sec[4:8])
	recBytes, ok := mulUint64(uint64(count), quantRecordSize)
	if !ok || uint64(quantInfoHeaderSize)+recBytes != uint64(len(sec)) {
		return nil, ErrCorruptFile
	}

	records := make([]QuantRecord, count)
	off := quantInfoHeaderSize
	for i := range records {
		b := sec[off : off+quantRecordSize]
		if b[5] != 0 || b[6] != 0 || b[7] != 0 {
			return nil, ErrCorruptFile
		}
		r := QuantRecord{
			TensorIndex: binary.LittleEndian.Uint32(b[0:4]),
			Domain:      QuantDomain(b[4]),
			Scale:       math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
			ZeroPoint:   int32(binary.LittleEndian.Uint32(b[12:16])),
			MinClip:     math.Float32frombits(binary.LittleEndian.Uint32(b[16:20])),
			MaxClip:     math.Float32frombits(binary.LittleEndian.Uint32(b[20:24])),
		}
		if err := validateQuantRecord(r); err != nil {
			return nil, ErrCorruptFile
		}
		records[i] = r
		off += quantRecordSize
	}
	return records, nil
}

// EncodeQuantInfoSection builds a QuantInfo section payload (v1).
func EncodeQuantInfoSection(records []QuantRecord) ([]byte, error) {
	if uint64(len(records)) > uint64(^uint32(0)) {
		return nil, errors.New("qmf: too many quant records")
	}
	out := make([]byte, quantInfoHeaderSize+len(records)*quantRecordSize)
	binary.LittleEndian.PutUint32(out[0:4], QuantInfoVersion)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(records)))

	off := quantInfoHeaderSize
	for _, r := range records {
		if err := validateQuantRecord(r); err != nil {
			return nil, err
		}
		b := out[off : off+quantRecordSize]
		binary.LittleEndian.PutUint32(b[0:4], r.TensorIndex)
		b[4] = byte(r.Domain)
		binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(r.Scale))
		binary.LittleEndian.PutUint32(b[12:16], uint32(r.ZeroPoint))
		binary.LittleEndian.PutUint32(b[16:20], math.Float32bits(r.MinClip))
		binary.LittleEndian.PutUint32(b[20:24], math.Float32bits(r.MaxClip))
		off += quantRecordSize
	}
	return out, nil
}

func validateQuantRecord(r QuantRecord) error {
	if !(r.Scale > 0) || math.IsInf(float64(r.Scale), 0) {
		return errBadQuantInfo
	}
	if !(r.MinClip <= r.MaxClip) {
		return errBadQuantInfo
	}
	switch r.Domain {
	case DomainWeights, DomainActivations:
		if r.ZeroPoint < -128 || r.ZeroPoint > 127 {
			return errBadQuantInfo
		}
	case DomainBias:
		if r.ZeroPoint != 0 {
			return errBadQuantInfo
		}
	default:
		return errBadQuantInfo
	}
	return nil
}
