// Package dataset reads MNIST-style IDX files into labelled examples.
//
// It is a thin adapter over the external dataset provider: it checks the IDX
// framing and nothing else.
package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	idxTypeUint8 = 0x08

	imagesMagic = 0x00000803 // uint8, 3 dims
	labelsMagic = 0x00000801 // uint8, 1 dim

	// maxExamples bounds allocations driven by a corrupt count field.
	maxExamples = 10_000_000
)

var ErrFormat = errors.New("invalid IDX file")

// openMaybeGzip opens path, transparently decompressing a .gz suffix.
func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	return errors.Join(g.Reader.Close(), g.f.Close())
}

func readImages(r io.Reader) (rows, cols int, pixels [][]uint8, err error) {
	var hdr [16]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, fmt.Errorf("%w: images header: %v", ErrFormat, err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != imagesMagic {
		return 0, 0, nil, fmt.Errorf("%w: images magic %#x", ErrFormat, binary.BigEndian.Uint32(hdr[0:4]))
	}
	n := int(binary.BigEndian.Uint32(hdr[4:8]))
	rows = int(binary.BigEndian.Uint32(hdr[8:12]))
	cols = int(binary.BigEndian.Uint32(hdr[12:16]))
	if n > maxExamples || rows <= 0 || cols <= 0 || rows*cols > 1<<20 {
		return 0, 0, nil, fmt.Errorf("%w: images dims %d x %d x %d", ErrFormat, n, rows, cols)
	}

	br := bufio.NewReader(r)
	pixels = make([][]uint8, n)
	for i := range pixels {
		p := make([]uint8, rows*cols)
		if _, err := io.ReadFull(br, p); err != nil {
			return 0, 0, nil, fmt.Errorf("%w: image %d: %v", ErrFormat, i, err)
		}
		pixels[i] = p
	}
	return rows, cols, pixels, nil
}

func readLabels(r io.Reader) ([]uint8, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: labels header: %v", ErrFormat, err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != labelsMagic {
		return nil, fmt.Errorf("%w: labels magic %#x", ErrFormat, binary.BigEndian.Uint32(hdr[0:4]))
	}
	n := int(binary.BigEndian.Uint32(hdr[4:8]))
	if n > maxExamples {
		return nil, fmt.Errorf("%w: %d labels", ErrFormat, n)
	}
	labels := make([]uint8, n)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("%w: labels: %v", ErrFormat, err)
	}
	return labels, nil
}

func writeImages(w io.Writer, rows, cols int, examples []Example) error {
	var hdr [16]byte
	binary.BigEndian.PutUint32(hdr[0:4], imagesMagic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(examples)))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(rows))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(cols))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for i, e := range examples {
		if len(e.Pixels) != rows*cols {
			return fmt.Errorf("example %d has %d pixels, want %d", i, len(e.Pixels), rows*cols)
		}
		if _, err := w.Write(e.Pixels); err != nil {
			return err
		}
	}
	return nil
}

func writeLabels(w io.Writer, examples []Example) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], labelsMagic)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(examples)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	labels := make([]byte, len(examples))
	for i, e := range examples {
		labels[i] = e.Label
	}
	_, err := w.Write(labels)
	return err
}

// createMaybeGzip creates path and runs fn on a writer that compresses when
// the name ends in .gz.
func createMaybeGzip(path string, fn func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	bw := bufio.NewWriter(f)
	if strings.HasSuffix(path, ".gz") {
		zw := gzip.NewWriter(bw)
		if err := fn(zw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
	} else if err := fn(bw); err != nil {
		return err
	}
	return bw.Flush()
}
