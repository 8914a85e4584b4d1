// Package qmf implements the Quantized Model File format.
//
// QMF is a single-file, memory-mappable container for an 8-bit quantized
// model. It holds the operator graph, per-tensor quantization parameters and
// constant tensor payloads. It describes structure and data only and never
// implies runtime behaviour.
package qmf

// QMF global constants must never change.
const (
	// MagicQMF is the file magic for all QMF containers.
	// It is encoded as "QMF\0".
	MagicQMF = "QMF\x00"

	// Current Major Version: Any change indicates a breaking format change.
	CurrentMajor uint16 = 1

	// Current Minor Version: Versions may add new optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks every constant payload as 64-byte aligned.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

const (
	headerSize   = 40
	sectionSize  = 24
	sectionAlign = 8
	dataAlign    = 64
)

type SectionType uint32

const (
	SectionModelInfo  SectionType = 0x0001
	SectionQuantInfo  SectionType = 0x0002
	SectionTensorData SectionType = 0x0004
)

func (t SectionType) String() string {
	switch t {
	case SectionModelInfo:
		return "model_info"
	case SectionQuantInfo:
		return "quant_info"
	case SectionTensorData:
		return "tensor_data"
	default:
		return "unknown"
	}
}

type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != MagicQMF {
		return false
	}
	if h.HeaderSize < headerSize {
		return false
	}
	return h.SectionCount > 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 {
	return s.Offset + s.Size
}
