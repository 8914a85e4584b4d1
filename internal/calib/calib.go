// Package calib draws the calibration subset used to observe activation
// ranges during quantization.
package calib

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/samcharles93/npuexport/internal/tensor"
)

// Strategy selects how the subset is drawn.
type Strategy string

const (
	// Uniform draws K distinct indices uniformly without replacement.
	Uniform Strategy = "uniform"
	// Head takes the first K examples, for reproducible audits.
	Head Strategy = "head"
)

const (
	DefaultCount = 200
	DefaultSeed  = 42
)

var (
	ErrInsufficientCalibrationData = errors.New("insufficient calibration data")
	ErrInvalidConfig               = errors.New("invalid calibration config")
)

// Pool is an indexed source of model inputs.
type Pool interface {
	Len() int
	Input(i int) *tensor.Tensor
}

type Config struct {
	Count    int      `yaml:"count" json:"count"`
	Seed     uint64   `yaml:"seed" json:"seed"`
	Strategy Strategy `yaml:"strategy" json:"strategy"`
}

// DefaultConfig draws 200 examples with seed 42.
func DefaultConfig() Config {
	return Config{Count: DefaultCount, Seed: DefaultSeed, Strategy: Uniform}
}

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Uniform, "":
		return Uniform, nil
	case Head:
		return Head, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, s)
	}
}

// Sample selects cfg.Count examples from pool. It never samples with
// replacement: asking for more examples than the pool holds fails with
// ErrInsufficientCalibrationData.
func Sample(pool Pool, cfg Config) (*Cursor, error) {
	if cfg.Count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive, got %d", ErrInvalidConfig, cfg.Count)
	}
	n := pool.Len()
	if cfg.Count > n {
		return nil, fmt.Errorf("%w: want %d examples, pool has %d", ErrInsufficientCalibrationData, cfg.Count, n)
	}

	var indices []int
	switch cfg.Strategy {
	case Uniform, "":
		indices = uniform(n, cfg.Count, cfg.Seed)
	case Head:
		indices = make([]int, cfg.Count)
		for i := range indices {
			indices[i] = i
		}
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
	return &Cursor{pool: pool, indices: indices}, nil
}

// uniform runs a partial Fisher-Yates shuffle over [0, n) with a seeded PCG
// source and returns the first k positions.
func uniform(n, k int, seed uint64) []int {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := range k {
		j := i + rng.IntN(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:k:k]
}

// Cursor is a finite, single-pass sequence over the drawn examples. Once
// exhausted it stays exhausted; there is no reset.
type Cursor struct {
	pool    Pool
	indices []int
	pos     int
}

// Next returns the next calibration input, converting it lazily.
func (c *Cursor) Next() (*tensor.Tensor, bool) {
	if c.pos >= len(c.indices) {
		return nil, false
	}
	x := c.pool.Input(c.indices[c.pos])
	c.pos++
	return x, true
}

// Len is the total number of examples the cursor yields.
func (c *Cursor) Len() int { return len(c.indices) }

// Remaining is the number of examples not yet consumed.
func (c *Cursor) Remaining() int { return len(c.indices) - c.pos }

// Indices returns a copy of the drawn pool indices in yield order.
func (c *Cursor) Indices() []int { return slices.Clone(c.indices) }
