package qmf

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File is a validated QMF container. Data is either an mmap of the file or
// a heap copy.
type File struct {
	Data     []byte
	Header   *Header
	Sections []Section
	mmapped  bool
}

const maxInt = int64(^uint(0) >> 1)

// Open maps path read-only and validates it. When the mapping fails the file
// is read through OpenReaderAt instead. Close releases the mapping.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < headerSize || size > maxInt {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorruptFile, path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return OpenReaderAt(f, size)
	}
	qf, err := parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	qf.mmapped = true
	return qf, nil
}

// OpenReaderAt copies size bytes from r onto the heap and validates them.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	if size < 0 || size > maxInt {
		return nil, ErrCorruptFile
	}
	data := make([]byte, size)
	n, err := r.ReadAt(data, 0)
	if int64(n) < size {
		if err == nil || errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: short read %d of %d bytes", ErrCorruptFile, n, size)
		}
		return nil, err
	}
	return parse(data)
}

// OpenBytes validates an in-memory blob. The File aliases data.
func OpenBytes(data []byte) (*File, error) {
	return parse(data)
}

func parse(data []byte) (*File, error) {
	hdr, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	dirStart := hdr.SectionDirOffset
	dirLen, ok := mulUint64(uint64(hdr.SectionCount), sectionSize)
	dirEnd := dirStart + dirLen
	switch {
	case !ok, dirEnd < dirStart, dirEnd > uint64(len(data)):
		return nil, fmt.Errorf("%w: section directory out of bounds", ErrCorruptFile)
	case dirStart < uint64(hdr.HeaderSize):
		return nil, fmt.Errorf("%w: section directory overlaps header", ErrCorruptFile)
	}

	secs := make([]Section, hdr.SectionCount)
	types := make(map[uint32]bool, len(secs))
	for i := range secs {
		off := dirStart + uint64(i)*sectionSize
		sec, ok := decodeSection(data[off : off+sectionSize])
		if !ok {
			return nil, ErrCorruptFile
		}
		if types[sec.Type] {
			return nil, fmt.Errorf("%w: duplicate section type %d", ErrCorruptFile, sec.Type)
		}
		types[sec.Type] = true
		if err := checkSection(sec, hdr, dirStart, dirEnd, uint64(len(data))); err != nil {
			return nil, fmt.Errorf("%w: section %d: %s", ErrCorruptFile, i, err)
		}
		secs[i] = sec
	}
	return &File{Data: data, Header: &hdr, Sections: secs}, nil
}

func readHeader(data []byte) (Header, error) {
	hdr, ok := decodeHeader(data)
	switch {
	case !ok:
		return Header{}, ErrCorruptFile
	case !hdr.Valid():
		return Header{}, ErrInvalidMagic
	case !hdr.Compatible():
		return Header{}, ErrUnsupportedMajor
	case hdr.FileSize != uint64(len(data)):
		return Header{}, fmt.Errorf("%w: header says %d bytes, have %d", ErrCorruptFile, hdr.FileSize, len(data))
	case uint64(hdr.HeaderSize) > uint64(len(data)):
		return Header{}, ErrCorruptFile
	}
	return hdr, nil
}

// checkSection returns a plain error; parse wraps it with ErrCorruptFile.
func checkSection(s Section, hdr Header, dirStart, dirEnd, size uint64) error {
	end := s.Offset + s.Size
	switch {
	case end < s.Offset:
		return errors.New("offset overflow")
	case end > size:
		return errors.New("out of bounds")
	case s.Offset < uint64(hdr.HeaderSize):
		return errors.New("overlaps header")
	case rangesOverlap(s.Offset, end, dirStart, dirEnd):
		return errors.New("overlaps section directory")
	case s.Offset%sectionAlign != 0:
		return fmt.Errorf("offset not %d-byte aligned", sectionAlign)
	}
	return nil
}

// Close releases any mmap backing.
func (f *File) Close() error {
	if f == nil {
		return nil
	}
	var err error
	if f.Data != nil && f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data = nil
	f.Header = nil
	f.Sections = nil
	f.mmapped = false
	return err
}

// Section returns the section matching the given type, or nil if it does not exist.
func (f *File) Section(t SectionType) *Section {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns a zero-copy slice covering the section payload.
// The caller must not retain this slice after File.Close().
func (f *File) SectionData(s *Section) []byte {
	if f == nil || s == nil || f.Data == nil {
		return nil
	}
	end := s.Offset + s.Size
	if end < s.Offset || end > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[int(s.Offset):int(end)]
}
