package mmio

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the mapping or line has already been closed.
	ErrClosed = errors.New("mmio: closed")
	// ErrOutOfRange indicates an access outside the mapped window.
	ErrOutOfRange = errors.New("mmio: offset out of range")
	// ErrUnaligned indicates a 32-bit access at an address that is not 4-byte aligned.
	ErrUnaligned = errors.New("mmio: unaligned access")
)

// OpError records the failing operation together with the device path.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("mmio %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("mmio %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes the underlying errno for errors.Is.
func (e *OpError) Unwrap() error {
	return e.Err
}

func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Path: path, Err: err}
}
