package pe

import (
	"errors"
	"fmt"
)

var (
	// ErrNoInstance indicates that no free slot implements the requested function.
	ErrNoInstance = errors.New("pe: no free instance for function")
	// ErrInvalidSlot indicates a release of a slot that is not currently acquired.
	ErrInvalidSlot = errors.New("pe: slot not acquired")
	// ErrInvalidState indicates a job handle used outside its lifecycle.
	ErrInvalidState = errors.New("pe: invalid job state")
	// ErrAlreadyLaunched indicates a second launch of the same job.
	ErrAlreadyLaunched = errors.New("pe: job already launched")
	// ErrInvalidArgument indicates an argument index or value the protocol cannot encode.
	ErrInvalidArgument = errors.New("pe: invalid argument")
	// ErrChannelBusy indicates a DMA channel already has a transfer in flight.
	ErrChannelBusy = errors.New("pe: dma channel busy")
	// ErrTransferFailed indicates that a DMA channel reported an error status.
	ErrTransferFailed = errors.New("pe: dma transfer failed")
	// ErrRegisterIO matches every *RegisterIOError.
	ErrRegisterIO = errors.New("pe: register i/o failed")
	// ErrClosed indicates the runtime, pool or event has been torn down.
	ErrClosed = errors.New("pe: closed")
	// ErrOutOfMemory indicates that an allocator could not satisfy a request.
	ErrOutOfMemory = errors.New("pe: out of memory")
	// ErrCapabilityUnsupported indicates that the device lacks an optional capability.
	ErrCapabilityUnsupported = errors.New("pe: capability not supported")
)

// ErrInvalidHandle reports use of a nil or closed resource.
type ErrInvalidHandle struct {
	Resource string
}

func (e ErrInvalidHandle) Error() string {
	return "invalid or closed " + e.Resource + " handle"
}

// RegisterIOError describes a failed register access.
type RegisterIOError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *RegisterIOError) Error() string {
	return fmt.Sprintf("pe: register %s at 0x%x: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the device error.
func (e *RegisterIOError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRegisterIO) match any register failure.
func (e *RegisterIOError) Is(target error) bool {
	return target == ErrRegisterIO
}

func ioError(op string, addr uint64, err error) error {
	if err == nil {
		return nil
	}
	return &RegisterIOError{Op: op, Addr: addr, Err: err}
}
