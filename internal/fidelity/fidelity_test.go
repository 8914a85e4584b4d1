package fidelity

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/npuexport/internal/tensor"
	"github.com/samcharles93/npuexport/pkg/quant"
)

// pixelInput is 1/255 with zero point -128, so a pixel value p arrives at
// the interpreter as p-128.
var pixelInput = quant.Params{Scale: 1.0 / 255, ZeroPoint: -128}

// firstPixel predicts the class named by the first pixel value.
type firstPixel struct{}

func (firstPixel) Invoke(in []int8) ([]int8, error) {
	out := make([]int8, 10)
	for i := range out {
		out[i] = -128
	}
	out[(int(in[0])+128)%10] = 127
	return out, nil
}

func (firstPixel) OutputParams() quant.Params { return quant.Params{Scale: 0.1, ZeroPoint: 0} }

type examples struct {
	pixels []float32
	labels []int
}

func (e examples) Len() int { return len(e.labels) }

func (e examples) Input(i int) *tensor.Tensor {
	t := tensor.New(1, 2)
	t.Data[0] = e.pixels[i] / 255
	return t
}

func (e examples) Label(i int) int { return e.labels[i] }

// oracle always predicts the true label of the example it was built for.
type oracle struct{ e examples }

func (o oracle) Predict(x *tensor.Tensor) ([]float32, error) {
	out := make([]float32, 10)
	for i, p := range o.e.pixels {
		if p/255 == x.Data[0] {
			out[o.e.labels[i]] = 12.7
			break
		}
	}
	return out, nil
}

func TestValidateCountsAndConfusion(t *testing.T) {
	t.Parallel()

	ex := examples{
		pixels: []float32{3, 4, 5, 7},
		labels: []int{3, 4, 6, 7},
	}
	r, err := Validate(context.Background(), firstPixel{}, pixelInput, ex, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, r.Total)
	assert.Equal(t, 3, r.Correct)
	assert.InDelta(t, 0.75, r.Accuracy, 1e-12)
	assert.Equal(t, 1, r.Confusion[6][5])
	assert.Equal(t, 1, r.Confusion[3][3])
	assert.Nil(t, r.Float)

	require.NoError(t, r.Check(0.7))
	require.ErrorIs(t, r.Check(0.8), ErrBelowThreshold)
}

func TestValidateAgainstReference(t *testing.T) {
	t.Parallel()

	ex := examples{
		pixels: []float32{1, 2, 9, 8},
		labels: []int{1, 2, 0, 0},
	}
	r, err := Validate(context.Background(), firstPixel{}, pixelInput, ex, Options{Reference: oracle{ex}})
	require.NoError(t, err)
	require.NotNil(t, r.Float)
	assert.InDelta(t, 0.5, r.Accuracy, 1e-12)
	assert.InDelta(t, 1.0, r.Float.Accuracy, 1e-12)
	assert.InDelta(t, 0.5, r.Float.Agreement, 1e-12)
	assert.InDelta(t, 0.5, r.Float.AccuracyDrop, 1e-12)
	// Dequantized logits are 12.7 or -12.8 against references of 12.7 or 0.
	assert.InDelta(t, 12.7+12.8, r.Float.MaxAbsError, 1e-5)
	assert.Greater(t, r.Float.MeanAbsError, 0.0)
}

func TestValidateLimitAndInputsUntouched(t *testing.T) {
	t.Parallel()

	ex := examples{pixels: []float32{1, 2, 3}, labels: []int{1, 0, 0}}
	r, err := Validate(context.Background(), firstPixel{}, pixelInput, ex, Options{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Total)
	assert.Equal(t, 1, r.Correct)
	assert.Equal(t, []float32{1, 2, 3}, ex.pixels)
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	_, err := Validate(context.Background(), firstPixel{}, pixelInput, examples{}, Options{})
	require.ErrorIs(t, err, ErrNoExamples)

	_, err = Validate(context.Background(), firstPixel{}, quant.Params{}, examples{pixels: []float32{1}, labels: []int{1}}, Options{})
	require.ErrorIs(t, err, quant.ErrInvalidParams)

	_, err = Validate(context.Background(), firstPixel{}, pixelInput, examples{pixels: []float32{1}, labels: []int{11}}, Options{})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Validate(ctx, firstPixel{}, pixelInput, examples{pixels: []float32{1}, labels: []int{1}}, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRender(t *testing.T) {
	t.Parallel()

	ex := examples{pixels: []float32{1, 2}, labels: []int{1, 3}}
	r, err := Validate(context.Background(), firstPixel{}, pixelInput, ex, Options{Reference: oracle{ex}})
	require.NoError(t, err)

	var buf bytes.Buffer
	r.Render(&buf)
	out := string(bytes.ToUpper(buf.Bytes()))
	for _, want := range []string{"METRIC", "INT8 ACCURACY", "50.00%", "TOP-1 AGREEMENT", "LABEL"} {
		assert.Contains(t, out, want)
	}
}
