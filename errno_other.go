//go:build !unix && !plan9

package pscull

import (
	"errors"
	"syscall"
)

// Errno maps an error returned by the package to the errno
// a character device would report for it.
// A nil error maps to 0, an unknown one to EIO.
func Errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrClosed), errors.Is(err, ErrBadMode):
		return syscall.EBADF
	case errors.Is(err, ErrWouldBlock):
		return syscall.EAGAIN
	case errors.Is(err, ErrInterrupted):
		return syscall.EINTR
	case errors.Is(err, ErrTransferFault):
		return syscall.EFAULT
	case errors.Is(err, ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, ErrNoDevice), errors.Is(err, ErrNotInitialized):
		return syscall.ENODEV
	default:
		return syscall.EIO
	}
}
