//go:build unix

package pscull

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// Errno maps an error returned by the package to the errno
// a character device would report for it.
// A nil error maps to 0, an unknown one to EIO.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrClosed), errors.Is(err, ErrBadMode):
		return unix.EBADF
	case errors.Is(err, ErrWouldBlock):
		return unix.EAGAIN
	case errors.Is(err, ErrInterrupted):
		return unix.EINTR
	case errors.Is(err, ErrTransferFault):
		return unix.EFAULT
	case errors.Is(err, ErrInvalidArgument):
		return unix.EINVAL
	case errors.Is(err, ErrNoDevice), errors.Is(err, ErrNotInitialized):
		return unix.ENODEV
	default:
		return unix.EIO
	}
}
