package pkg

import (
	"errors"

	"golang.org/x/sys/unix"
)

// SCSI stack errors.
var (
	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoOpenings indicates a non-blocking request found no command opening.
	ErrNoOpenings = errors.New("no command openings available")

	// ErrNoMemory indicates the transfer descriptor pool is exhausted.
	ErrNoMemory = errors.New("transfer descriptor pool exhausted")

	// ErrNoThread indicates the channel completion thread is not running.
	ErrNoThread = errors.New("completion thread not running")

	// ErrCallbackPending indicates a thread callback request is already queued.
	ErrCallbackPending = errors.New("thread callback already pending")

	// ErrAlreadyRunning indicates the channel is already initialized.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the channel has not been initialized.
	ErrNotRunning = errors.New("not running")

	// ErrPeriphExists indicates a periph is already attached at an address.
	ErrPeriphExists = errors.New("periph already attached")

	// ErrNoPeriph indicates no periph is attached at an address.
	ErrNoPeriph = errors.New("no periph at address")

	// ErrWrongChannel indicates a descriptor was handed to a channel that
	// does not own it.
	ErrWrongChannel = errors.New("transfer belongs to another channel")

	// ErrNoDevice indicates no logical unit answers at an address.
	ErrNoDevice = errors.New("device not present")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")
)

// Errno returns the errno carried by err, or 0 when err is nil or carries
// no errno. Wrapped errors are unwrapped.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, ErrInvalidParameter):
		return unix.EINVAL
	case errors.Is(err, ErrNoOpenings):
		return unix.EAGAIN
	case errors.Is(err, ErrNoMemory):
		return unix.ENOMEM
	case errors.Is(err, ErrNoThread):
		return unix.ESRCH
	case errors.Is(err, ErrCallbackPending):
		return unix.EBUSY
	case errors.Is(err, ErrNoDevice), errors.Is(err, ErrNoPeriph):
		return unix.ENXIO
	case errors.Is(err, ErrNotSupported):
		return unix.EOPNOTSUPP
	}
	return 0
}
