// Package fidelity measures how closely a quantized model tracks its labels
// and, optionally, the float model it came from.
package fidelity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/npuexport/internal/logger"
	"github.com/samcharles93/npuexport/internal/tensor"
	"github.com/samcharles93/npuexport/pkg/quant"
)

// DefaultLimit is the number of leading test examples scored by default.
const DefaultLimit = 1000

var (
	ErrNoExamples     = errors.New("no examples to validate")
	ErrBelowThreshold = errors.New("accuracy below threshold")
)

// Interpreter runs a quantized model on int8 input. *runtime.Interpreter
// satisfies it.
type Interpreter interface {
	Invoke(in []int8) ([]int8, error)
	OutputParams() quant.Params
}

// Reference is a float model to compare against. *graph.Model satisfies it.
type Reference interface {
	Predict(x *tensor.Tensor) ([]float32, error)
}

// Examples is an indexed labelled set. *dataset.Set satisfies it.
type Examples interface {
	Len() int
	Input(i int) *tensor.Tensor
	Label(i int) int
}

type Options struct {
	// Limit scores only the first Limit examples; <= 0 scores all of them.
	Limit int
	// Classes sizes the confusion matrix. Defaults to 10.
	Classes   int
	Reference Reference
	Log       logger.Logger
}

// FloatComparison compares quantized predictions with the float reference.
type FloatComparison struct {
	Correct      int     `json:"correct"`
	Accuracy     float64 `json:"accuracy"`
	Agreement    float64 `json:"agreement"`
	AccuracyDrop float64 `json:"accuracy_drop"`
	MeanAbsError float64 `json:"mean_abs_logit_error"`
	MaxAbsError  float64 `json:"max_abs_logit_error"`
}

// Report is the outcome of one validation run. It is advisory: nothing in
// the pipeline blocks on it unless a caller applies Check.
type Report struct {
	Total    int     `json:"total"`
	Correct  int     `json:"correct"`
	Accuracy float64 `json:"accuracy"`
	// Confusion[label][prediction] counts examples.
	Confusion [][]int          `json:"confusion"`
	Float     *FloatComparison `json:"float,omitempty"`
	Duration  time.Duration    `json:"duration_ns"`
}

// Check fails with ErrBelowThreshold when the quantized accuracy is under min.
func (r *Report) Check(min float64) error {
	if r.Accuracy < min {
		return fmt.Errorf("%w: %.4f < %.4f", ErrBelowThreshold, r.Accuracy, min)
	}
	return nil
}

// Validate quantizes each example with input, runs it through interp and
// compares the argmax with the label. Examples are never mutated.
func Validate(ctx context.Context, interp Interpreter, input quant.Params, examples Examples, opts Options) (*Report, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	n := examples.Len()
	if opts.Limit > 0 && opts.Limit < n {
		n = opts.Limit
	}
	if n == 0 {
		return nil, ErrNoExamples
	}
	classes := opts.Classes
	if classes <= 0 {
		classes = 10
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	log = logger.ForStage(log, "validate")

	start := time.Now()
	r := &Report{Total: n, Confusion: make([][]int, classes)}
	for i := range r.Confusion {
		r.Confusion[i] = make([]int, classes)
	}

	outP := interp.OutputParams()
	var (
		floatCorrect, agree int
		absErr              []float64
		qin                 []int8
		logits              []float64
	)
	for i := range n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x := examples.Input(i)
		label := examples.Label(i)
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("example %d: label %d outside [0,%d)", i, label, classes)
		}

		if cap(qin) < len(x.Data) {
			qin = make([]int8, len(x.Data))
		}
		qin = qin[:len(x.Data)]
		input.QuantizeSlice(qin, x.Data)
		out, err := interp.Invoke(qin)
		if err != nil {
			return nil, fmt.Errorf("example %d: %w", i, err)
		}
		logits = logits[:0]
		for _, q := range out {
			logits = append(logits, float64(outP.Dequantize(q)))
		}
		pred := floats.MaxIdx(logits)
		if pred < classes {
			r.Confusion[label][pred]++
		}
		if pred == label {
			r.Correct++
		}

		if opts.Reference == nil {
			continue
		}
		want, err := opts.Reference.Predict(x)
		if err != nil {
			return nil, fmt.Errorf("example %d: reference: %w", i, err)
		}
		if len(want) != len(logits) {
			return nil, fmt.Errorf("example %d: reference has %d logits, quantized model %d", i, len(want), len(logits))
		}
		ref := make([]float64, len(want))
		for c, v := range want {
			ref[c] = float64(v)
			absErr = append(absErr, math.Abs(float64(v)-logits[c]))
		}
		fpred := floats.MaxIdx(ref)
		if fpred == label {
			floatCorrect++
		}
		if fpred == pred {
			agree++
		}
	}

	r.Accuracy = float64(r.Correct) / float64(n)
	if opts.Reference != nil {
		fc := &FloatComparison{
			Correct:      floatCorrect,
			Accuracy:     float64(floatCorrect) / float64(n),
			Agreement:    float64(agree) / float64(n),
			MeanAbsError: stat.Mean(absErr, nil),
			MaxAbsError:  floats.Max(absErr),
		}
		fc.AccuracyDrop = fc.Accuracy - r.Accuracy
		r.Float = fc
	}
	r.Duration = time.Since(start)

	args := []any{"examples", n, "correct", r.Correct, "accuracy", r.Accuracy, "took", r.Duration}
	if r.Float != nil {
		args = append(args, "float_accuracy", r.Float.Accuracy, "agreement", r.Float.Agreement)
	}
	log.Info("fidelity measured", args...)
	return r, nil
}
