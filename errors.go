package pscull

import (
	"errors"

	"github.com/FerroO2000/pscull/internal/rb"
)

var (
	// ErrWouldBlock is returned by a non-blocking call that cannot make progress.
	ErrWouldBlock = rb.ErrWouldBlock
	// ErrInterrupted is returned by a blocking call cancelled before doing any work.
	// It wraps the cause of the cancellation.
	ErrInterrupted = rb.ErrInterrupted
	// ErrTransferFault is returned when the caller's buffer cannot be accessed.
	ErrTransferFault = rb.ErrTransferFault
	// ErrInvalidArgument is returned for invalid capacities and open flags.
	ErrInvalidArgument = rb.ErrInvalidArgument

	// ErrNoDevice is returned when the requested unit does not exist.
	ErrNoDevice = errors.New("pscull: no such device")
	// ErrBadMode is returned when a session reads without read access
	// or writes without write access.
	ErrBadMode = errors.New("pscull: bad file mode")
	// ErrClosed is returned by the calls on a closed session or device.
	// In-flight calls of a closed session fail with ErrInterrupted wrapping ErrClosed.
	ErrClosed = errors.New("pscull: closed")
	// ErrNotInitialized is returned when the driver is used before Init.
	ErrNotInitialized = errors.New("pscull: driver not initialized")
)
