package calib

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/npuexport/internal/tensor"
)

// countingPool yields [1,1,1,1] tensors holding their own index and counts
// conversions.
type countingPool struct {
	n     int
	calls int
}

func (p *countingPool) Len() int { return p.n }

func (p *countingPool) Input(i int) *tensor.Tensor {
	p.calls++
	t := tensor.New(1, 1, 1, 1)
	t.Data[0] = float32(i)
	return t
}

func drain(c *Cursor) []int {
	var got []int
	for {
		x, ok := c.Next()
		if !ok {
			return got
		}
		got = append(got, int(x.Data[0]))
	}
}

func TestUniformDistinctAndDeterministic(t *testing.T) {
	t.Parallel()

	cfg := Config{Count: 200, Seed: 42, Strategy: Uniform}
	a, err := Sample(&countingPool{n: 1000}, cfg)
	require.NoError(t, err)
	b, err := Sample(&countingPool{n: 1000}, cfg)
	require.NoError(t, err)

	ia := a.Indices()
	assert.Equal(t, ia, b.Indices(), "same seed must draw the same subset")
	assert.Len(t, ia, 200)

	seen := make(map[int]bool, len(ia))
	for _, i := range ia {
		assert.False(t, seen[i], "index %d drawn twice", i)
		assert.True(t, i >= 0 && i < 1000)
		seen[i] = true
	}

	c, err := Sample(&countingPool{n: 1000}, Config{Count: 200, Seed: 7})
	require.NoError(t, err)
	assert.NotEqual(t, ia, c.Indices(), "different seeds should differ")
}

func TestWholePoolIsAPermutation(t *testing.T) {
	t.Parallel()

	c, err := Sample(&countingPool{n: 50}, Config{Count: 50, Seed: 1})
	require.NoError(t, err)
	assert.ElementsMatch(t, rangeN(50), c.Indices())
}

func TestHeadStrategy(t *testing.T) {
	t.Parallel()

	c, err := Sample(&countingPool{n: 10}, Config{Count: 3, Strategy: Head})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, drain(c))
}

func TestCursorIsSinglePassAndLazy(t *testing.T) {
	t.Parallel()

	pool := &countingPool{n: 20}
	c, err := Sample(pool, Config{Count: 5, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, 0, pool.calls, "sampling must not convert examples")
	assert.Equal(t, 5, c.Len())

	got := drain(c)
	assert.Equal(t, c.Indices(), got)
	assert.Equal(t, 5, pool.calls, "each example converted exactly once")
	assert.Equal(t, 0, c.Remaining())

	_, ok := c.Next()
	assert.False(t, ok, "exhausted cursor stays exhausted")
	assert.Equal(t, 5, pool.calls)
}

func TestIndicesIsACopy(t *testing.T) {
	t.Parallel()

	c, err := Sample(&countingPool{n: 5}, Config{Count: 2, Strategy: Head})
	require.NoError(t, err)
	idx := c.Indices()
	idx[0] = 99
	assert.Equal(t, []int{0, 1}, c.Indices())
}

func TestSampleErrors(t *testing.T) {
	t.Parallel()

	_, err := Sample(&countingPool{n: 10}, Config{Count: 11})
	assert.ErrorIs(t, err, ErrInsufficientCalibrationData)

	_, err = Sample(&countingPool{n: 10}, Config{Count: 0})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Sample(&countingPool{n: 10}, Config{Count: 1, Strategy: "stratified"})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseStrategy("random")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	s, err := ParseStrategy("head")
	require.NoError(t, err)
	assert.Equal(t, Head, s)
}

func rangeN(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
