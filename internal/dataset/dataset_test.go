package dataset

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSet() *Set {
	s := &Set{Rows: 2, Cols: 3}
	for i := range 4 {
		px := make([]uint8, 6)
		for j := range px {
			px[j] = uint8(i*10 + j)
		}
		s.Examples = append(s.Examples, Example{Pixels: px, Label: uint8(i)})
	}
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	for _, gz := range []bool{false, true} {
		dir := t.TempDir()
		images, labels := Paths(dir, Test, gz)
		require.NoError(t, Write(images, labels, sampleSet()))

		got, err := Load(dir, Test)
		require.NoError(t, err, "gz=%v", gz)
		assert.Equal(t, sampleSet(), got, "gz=%v", gz)
	}
}

func TestSaveUsesGzipNames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, Save(dir, Train, sampleSet()))
	_, err := os.Stat(filepath.Join(dir, "train-images-idx3-ubyte.gz"))
	require.NoError(t, err)

	got, err := Load(dir, Train)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Len())
	assert.Equal(t, 3, got.Label(3))
}

func TestInputScaling(t *testing.T) {
	t.Parallel()

	e := Example{Pixels: []uint8{0, 255, 51, 102}}
	in := e.Input(2, 2)
	assert.Equal(t, []int{1, 2, 2, 1}, in.Shape)
	assert.InDeltaSlice(t, []float32{0, 1, 0.2, 0.4}, in.Data, 1e-6)
	// Inputs are copies; the example is untouched.
	in.Data[0] = 9
	assert.Equal(t, uint8(0), e.Pixels[0])
}

func TestHead(t *testing.T) {
	t.Parallel()

	s := sampleSet()
	assert.Equal(t, 2, s.Head(2).Len())
	assert.Equal(t, 4, s.Head(0).Len())
	assert.Equal(t, 4, s.Head(100).Len())
}

func TestReadRejectsBadFraming(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	images, labels := Paths(dir, Test, false)
	require.NoError(t, Write(images, labels, sampleSet()))

	// Swapping the files trips the magic check.
	_, err := Read(labels, images)
	assert.True(t, errors.Is(err, ErrFormat), "got %v", err)

	// A label count that disagrees with the image count.
	other := sampleSet()
	other.Examples = other.Examples[:3]
	_, otherLabels := Paths(t.TempDir(), Test, false)
	require.NoError(t, createMaybeGzip(otherLabels, func(w io.Writer) error { return writeLabels(w, other.Examples) }))
	_, err = Read(images, otherLabels)
	assert.ErrorIs(t, err, ErrFormat)

	// Truncated image payload.
	raw, err := os.ReadFile(images)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(images, raw[:len(raw)-1], 0o644))
	_, err = Read(images, labels)
	assert.ErrorIs(t, err, ErrFormat)
}
