package xerr

import (
	"errors"
	"fmt"
	"syscall"
)

// Errno is an errno-scale error code as it crosses the wire and the DSS
// boundary. Values are negative in responses (the convention clients
// expect) and positive in this type; Wire() does the flip.
type Errno int

const (
	OK              Errno = 0
	EPERM           Errno = Errno(syscall.EPERM)
	ENOENT          Errno = Errno(syscall.ENOENT)
	EINTR           Errno = Errno(syscall.EINTR)
	EIO             Errno = Errno(syscall.EIO)
	ENXIO           Errno = Errno(syscall.ENXIO)
	EAGAIN          Errno = Errno(syscall.EAGAIN)
	EBUSY           Errno = Errno(syscall.EBUSY)
	EEXIST          Errno = Errno(syscall.EEXIST)
	ENODEV          Errno = Errno(syscall.ENODEV)
	EINVAL          Errno = Errno(syscall.EINVAL)
	ENOSPC          Errno = Errno(syscall.ENOSPC)
	ENOMEDIUM       Errno = Errno(syscall.ENOMEDIUM)
	ETIMEDOUT       Errno = Errno(syscall.ETIMEDOUT)
	ECANCELED       Errno = Errno(syscall.ECANCELED)
	EPROTONOSUPPORT Errno = Errno(syscall.EPROTONOSUPPORT)
)

// Error implements the error interface.
func (e Errno) Error() string {
	if e == OK {
		return "success"
	}
	return syscall.Errno(e).Error()
}

// Wire returns the negative integer form sent in responses.
func (e Errno) Wire() int32 {
	return -int32(e)
}

// FromWire converts a wire integer back to an Errno.
func FromWire(rc int32) Errno {
	if rc >= 0 {
		return OK
	}
	return Errno(-rc)
}

// Wrap attaches an errno code to an underlying error. The code is
// recoverable with Code() through any number of %w wrappings.
func Wrap(code Errno, err error) error {
	if err == nil {
		return code
	}
	return &wrapped{code: code, err: err}
}

// Wrapf is Wrap with a formatted message instead of an existing error.
func Wrapf(code Errno, format string, args ...any) error {
	return &wrapped{code: code, err: fmt.Errorf(format, args...)}
}

type wrapped struct {
	code Errno
	err  error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s", w.code.Error(), w.err.Error())
}

func (w *wrapped) Unwrap() error { return w.err }

func (w *wrapped) Is(target error) bool {
	if e, ok := target.(Errno); ok {
		return e == w.code
	}
	return false
}

// Code extracts the errno code from an error chain. Unclassified errors
// map to EIO, nil maps to OK.
func Code(err error) Errno {
	if err == nil {
		return OK
	}
	var w *wrapped
	if errors.As(err, &w) {
		return w.code
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	var sys syscall.Errno
	if errors.As(err, &sys) {
		return Errno(sys)
	}
	return EIO
}
