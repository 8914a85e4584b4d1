package qmf

import (
	"errors"
	"io"
)

// Target is the destination of a Writer. *os.File and *Buffer satisfy it.
type Target interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// Buffer is an in-memory Target, used when a blob is built for immediate use
// rather than written to disk.
type Buffer struct {
	buf []byte
	pos int64
}

var errNegativeOffset = errors.New("qmf: negative offset")

func (b *Buffer) Write(p []byte) (int, error) {
	end := b.pos + int64(len(p))
	b.grow(end)
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

// grow extends the buffer to n bytes, zero-filling the new region.
func (b *Buffer) grow(n int64) {
	old := int64(len(b.buf))
	if n <= old {
		return
	}
	if n > int64(cap(b.buf)) {
		grown := make([]byte, n, max(n, 2*int64(cap(b.buf))))
		copy(grown, b.buf)
		b.buf = grown
		return
	}
	b.buf = b.buf[:n]
	clear(b.buf[old:])
}

func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = b.pos + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("qmf: invalid whence")
	}
	if abs < 0 {
		return 0, errNegativeOffset
	}
	b.pos = abs
	return abs, nil
}

func (b *Buffer) Truncate(size int64) error {
	if size < 0 {
		return errNegativeOffset
	}
	if size <= int64(len(b.buf)) {
		b.buf = b.buf[:size]
		return nil
	}
	b.grow(size)
	return nil
}

// Bytes returns the buffer contents. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte {
	return b.buf
}

func (b *Buffer) Len() int {
	return len(b.buf)
}
