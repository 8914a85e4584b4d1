package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/npuexport/pkg/quant"
)

// Params is the persisted quantization_params.json document.
type Params struct {
	InputScale      float64 `json:"input_scale"`
	InputZeroPoint  int32   `json:"input_zero_point"`
	OutputScale     float64 `json:"output_scale"`
	OutputZeroPoint int32   `json:"output_zero_point"`
}

// DefaultParams are used when no params document exists: a [0, 1] input and
// an identity output.
func DefaultParams() Params {
	return Params{InputScale: 0.003921568859, InputZeroPoint: -128, OutputScale: 1.0, OutputZeroPoint: 0}
}

// NewParams builds the document from the boundary params of a model.
func NewParams(input, output quant.Params) Params {
	return Params{
		InputScale:      float64(input.Scale),
		InputZeroPoint:  input.ZeroPoint,
		OutputScale:     float64(output.Scale),
		OutputZeroPoint: output.ZeroPoint,
	}
}

func (p Params) Input() quant.Params {
	return quant.Params{Scale: float32(p.InputScale), ZeroPoint: p.InputZeroPoint}
}

func (p Params) Output() quant.Params {
	return quant.Params{Scale: float32(p.OutputScale), ZeroPoint: p.OutputZeroPoint}
}

func (p Params) Validate() error {
	if err := checkParams("input", p.InputScale, p.InputZeroPoint); err != nil {
		return err
	}
	return checkParams("output", p.OutputScale, p.OutputZeroPoint)
}

func checkParams(which string, scale float64, zp int32) error {
	if !(scale > 0) || math.IsInf(scale, 0) {
		return fmt.Errorf("%w: %s scale %g must be > 0", ErrInvalidDocument, which, scale)
	}
	if zp < quant.QMin || zp > quant.QMax {
		return fmt.Errorf("%w: %s zero point %d outside [%d,%d]", ErrInvalidDocument, which, zp, quant.QMin, quant.QMax)
	}
	return nil
}

// TestVector is the persisted test_vector.json document: one quantized
// image, its label and the input params it was quantized with.
type TestVector struct {
	Label          int     `json:"label"`
	Index          int     `json:"index"`
	InputScale     float64 `json:"input_scale"`
	InputZeroPoint int32   `json:"input_zero_point"`
	Image          []int8  `json:"image"`
}

// NewTestVector quantizes x with input. x is not modified.
func NewTestVector(x []float32, label, index int, input quant.Params) TestVector {
	img := make([]int8, len(x))
	input.QuantizeSlice(img, x)
	return TestVector{
		Label:          label,
		Index:          index,
		InputScale:     float64(input.Scale),
		InputZeroPoint: input.ZeroPoint,
		Image:          img,
	}
}

// Validate checks the vector against the target geometry.
func (tv TestVector) Validate(t Target) error {
	if len(tv.Image) != t.inputSize() {
		return fmt.Errorf("%w: test image has %d values, want %d", ErrInvalidDocument, len(tv.Image), t.inputSize())
	}
	if tv.Label < 0 || tv.Label >= t.NumClasses {
		return fmt.Errorf("%w: label %d outside [0,%d)", ErrInvalidDocument, tv.Label, t.NumClasses)
	}
	return nil
}

// Matches reports whether the vector was quantized with p's input params.
// A vector that does not record its params never matches.
func (tv TestVector) Matches(p Params) bool {
	if !(tv.InputScale > 0) {
		return false
	}
	if tv.InputZeroPoint != p.InputZeroPoint {
		return false
	}
	// Scales pass through float32, so compare at that precision.
	return float32(tv.InputScale) == float32(p.InputScale)
}

// WriteJSON writes v as indented JSON, replacing any existing file.
func WriteJSON(path string, v any) error {
	data, err := marshalJSON(v)
	if err != nil {
		return err
	}
	return WriteFile(path, data)
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ReadParams reads and validates a params document.
func ReadParams(path string) (Params, error) {
	var p Params
	if err := readJSON(path, &p); err != nil {
		return Params{}, err
	}
	if err := p.Validate(); err != nil {
		return Params{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ReadTestVector reads a test vector document.
func ReadTestVector(path string) (TestVector, error) {
	var tv TestVector
	if err := readJSON(path, &tv); err != nil {
		return TestVector{}, err
	}
	return tv, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidDocument, path, err)
	}
	return nil
}
