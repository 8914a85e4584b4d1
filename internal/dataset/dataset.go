package dataset

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/samcharles93/npuexport/internal/tensor"
)

// Split names a partition of the dataset.
type Split string

const (
	Train Split = "train"
	Test  Split = "t10k"
)

// Example is one labelled image, pixels row-major in [0, 255].
type Example struct {
	Pixels []uint8
	Label  uint8
}

// Input returns the image as a [1, rows, cols, 1] float tensor scaled to [0, 1].
func (e Example) Input(rows, cols int) *tensor.Tensor {
	t := tensor.New(1, rows, cols, 1)
	for i, p := range e.Pixels {
		t.Data[i] = float32(p) / 255
	}
	return t
}

// Set is an ordered collection of examples sharing one image geometry.
type Set struct {
	Rows, Cols int
	Examples   []Example
}

func (s *Set) Len() int { return len(s.Examples) }

// Input returns example i as a model input tensor.
func (s *Set) Input(i int) *tensor.Tensor {
	return s.Examples[i].Input(s.Rows, s.Cols)
}

// Label returns the label of example i.
func (s *Set) Label(i int) int {
	return int(s.Examples[i].Label)
}

// Head returns a view of the first n examples (all of them if n <= 0 or n
// exceeds the set).
func (s *Set) Head(n int) *Set {
	if n <= 0 || n > len(s.Examples) {
		n = len(s.Examples)
	}
	return &Set{Rows: s.Rows, Cols: s.Cols, Examples: s.Examples[:n]}
}

// Read loads an images/labels file pair.
func Read(imagesPath, labelsPath string) (*Set, error) {
	ir, err := openMaybeGzip(imagesPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ir.Close() }()
	rows, cols, pixels, err := readImages(ir)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", imagesPath, err)
	}

	lr, err := openMaybeGzip(labelsPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lr.Close() }()
	labels, err := readLabels(lr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", labelsPath, err)
	}

	if len(labels) != len(pixels) {
		return nil, fmt.Errorf("%w: %d images but %d labels", ErrFormat, len(pixels), len(labels))
	}
	examples := make([]Example, len(pixels))
	for i := range examples {
		examples[i] = Example{Pixels: pixels[i], Label: labels[i]}
	}
	return &Set{Rows: rows, Cols: cols, Examples: examples}, nil
}

// Write stores s as an images/labels file pair.
func Write(imagesPath, labelsPath string, s *Set) error {
	if err := createMaybeGzip(imagesPath, func(w io.Writer) error {
		return writeImages(w, s.Rows, s.Cols, s.Examples)
	}); err != nil {
		return err
	}
	return createMaybeGzip(labelsPath, func(w io.Writer) error {
		return writeLabels(w, s.Examples)
	})
}

// Paths returns the conventional MNIST file names for a split inside dir.
func Paths(dir string, split Split, gz bool) (images, labels string) {
	ext := ""
	if gz {
		ext = ".gz"
	}
	images = filepath.Join(dir, string(split)+"-images-idx3-ubyte"+ext)
	labels = filepath.Join(dir, string(split)+"-labels-idx1-ubyte"+ext)
	return images, labels
}

// Load reads a split from dir, preferring uncompressed files and falling back
// to .gz.
func Load(dir string, split Split) (*Set, error) {
	images, labels := Paths(dir, split, false)
	if _, err := os.Stat(images); errors.Is(err, os.ErrNotExist) {
		images, labels = Paths(dir, split, true)
	}
	return Read(images, labels)
}

// Save writes a split into dir using the gzip file names.
func Save(dir string, split Split, s *Set) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	images, labels := Paths(dir, split, true)
	return Write(images, labels, s)
}
