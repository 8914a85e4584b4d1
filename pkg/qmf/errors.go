package qmf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid QMF magic")
	ErrUnsupportedMajor = errors.New("unsupported QMF major version")
	ErrUnsupportedMinor = errors.New("unsupported QMF section version")
	ErrCorruptFile      = errors.New("corrupt QMF file")
)
