// Package toy builds small deterministic models and datasets that honour the
// 28x28 -> 10 contract. Tests use them in place of a trained network, and
// the toy command writes them to disk for a dry run of the pipeline.
package toy

import (
	"math"
	"math/rand/v2"

	"github.com/samcharles93/npuexport/internal/dataset"
	"github.com/samcharles93/npuexport/internal/graph"
	"github.com/samcharles93/npuexport/internal/tensor"
)

// NewCNN returns a scaled-down copy of the reference architecture
// (conv-bn-relu-pool twice, flatten, dense) with He-initialised weights drawn
// from seed.
func NewCNN(seed uint64) *graph.Model {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	m := &graph.Model{
		Spec: graph.Spec{
			Name:       "toy_cnn",
			InputShape: append([]int(nil), graph.InputShape...),
			Layers: []graph.Layer{
				{Name: "conv1", Op: graph.OpConv2D, Filters: 4, KernelSize: 3, Padding: "same"},
				{Name: "bn1", Op: graph.OpBatchNorm},
				{Name: "relu1", Op: graph.OpReLU},
				{Name: "pool1", Op: graph.OpMaxPool2D, PoolSize: 2},
				{Name: "conv2", Op: graph.OpConv2D, Filters: 8, KernelSize: 3, Padding: "same"},
				{Name: "bn2", Op: graph.OpBatchNorm},
				{Name: "relu2", Op: graph.OpReLU},
				{Name: "pool2", Op: graph.OpMaxPool2D, PoolSize: 2},
				{Name: "flatten", Op: graph.OpFlatten},
				{Name: "output", Op: graph.OpDense, Units: graph.NumClasses},
			},
		},
		Weights: make(map[string]*tensor.Tensor),
	}

	conv := func(name string, cin, cout int) {
		m.Weights[graph.WeightName(name, graph.ParamKernel)] = he(rng, 9*cin, 3, 3, cin, cout)
		m.Weights[graph.WeightName(name, graph.ParamBias)] = uniform(rng, 0.05, cout)
	}
	bn := func(name string, c int) {
		gamma := uniform(rng, 0.2, c)
		for i := range gamma.Data {
			gamma.Data[i] += 1
		}
		variance := uniform(rng, 0.2, c)
		for i := range variance.Data {
			variance.Data[i] = 1 + float32(math.Abs(float64(variance.Data[i])))
		}
		m.Weights[graph.WeightName(name, graph.ParamGamma)] = gamma
		m.Weights[graph.WeightName(name, graph.ParamBeta)] = uniform(rng, 0.1, c)
		m.Weights[graph.WeightName(name, graph.ParamMean)] = uniform(rng, 0.1, c)
		m.Weights[graph.WeightName(name, graph.ParamVariance)] = variance
	}
	conv("conv1", 1, 4)
	bn("bn1", 4)
	conv("conv2", 4, 8)
	bn("bn2", 8)
	m.Weights["output/kernel"] = he(rng, 7*7*8, 7*7*8, graph.NumClasses)
	m.Weights["output/bias"] = uniform(rng, 0.05, graph.NumClasses)
	return m
}

func he(rng *rand.Rand, fanIn int, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	std := math.Sqrt(2 / float64(fanIn))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

func uniform(rng *rand.Rand, limit float64, n int) *tensor.Tensor {
	t := tensor.New(n)
	for i := range t.Data {
		t.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return t
}

// Images draws n 28x28 images made of a few bright rectangles on a dark
// background, each with at least one saturated pixel. Labels are left at zero; see Label.
func Images(n int, seed uint64) *dataset.Set {
	rng := rand.New(rand.NewPCG(seed, seed^0xa5a5))
	rows, cols := graph.InputShape[1], graph.InputShape[2]
	s := &dataset.Set{Rows: rows, Cols: cols, Examples: make([]dataset.Example, n)}
	for i := range s.Examples {
		px := make([]uint8, rows*cols)
		for k := range 2 + rng.IntN(3) {
			y0, x0 := rng.IntN(rows-4), rng.IntN(cols-4)
			h, w := 2+rng.IntN(rows-y0-2), 2+rng.IntN(cols-x0-2)
			// The first stroke is always full intensity.
			v := uint8(255)
			if k > 0 {
				v = uint8(128 + rng.IntN(128))
			}
			for y := y0; y < y0+h && y < rows; y++ {
				for x := x0; x < x0+w && x < cols; x++ {
					px[y*cols+x] = v
				}
			}
		}
		s.Examples[i].Pixels = px
	}
	return s
}

// Label sets every example's label to the float model's prediction, so the
// float reference scores 100% on the set by construction.
func Label(m *graph.Model, s *dataset.Set) error {
	for i := range s.Examples {
		logits, err := m.Predict(s.Input(i))
		if err != nil {
			return err
		}
		best := 0
		for c, v := range logits {
			if v > logits[best] {
				best = c
			}
		}
		s.Examples[i].Label = uint8(best)
	}
	return nil
}

// Dataset returns n labelled images for m.
func Dataset(m *graph.Model, n int, seed uint64) (*dataset.Set, error) {
	s := Images(n, seed)
	if err := Label(m, s); err != nil {
		return nil, err
	}
	return s, nil
}
