package threadpool

import (
	"errors"
	"fmt"
)

// Errno is a scheduler error with a stable symbolic name, the one reported
// to callers as the failure's diagnostic string.
type Errno struct {
	name string
	msg  string
}

func (e *Errno) Error() string { return "threadpool: " + e.msg }

// Name returns the symbolic error name, e.g. "ECANCELED".
func (e *Errno) Name() string { return e.name }

var (
	// ErrCanceled is delivered to the done callback of a request that was
	// cancelled before a worker picked it up.
	ErrCanceled = &Errno{name: "ECANCELED", msg: "operation canceled"}
	// ErrBusy is returned when cancelling a request that is already running
	// or finished.
	ErrBusy = &Errno{name: "EBUSY", msg: "request is busy"}
	// ErrInvalid is returned for malformed or already pending requests.
	ErrInvalid = &Errno{name: "EINVAL", msg: "invalid request"}
	// ErrShutdown is returned when queueing on a pool that was shut down.
	ErrShutdown = &Errno{name: "ESHUTDOWN", msg: "pool is shut down"}
)

// PanicError is delivered when a request's work function panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("threadpool: work panicked: %v", e.Value)
}

// Name returns the symbolic name for panicked work.
func (e *PanicError) Name() string { return "EPANIC" }

// ErrorName returns the symbolic name of err, or the empty string for nil.
// Errors without a name report their message.
func ErrorName(err error) string {
	if err == nil {
		return ""
	}
	var named interface{ Name() string }
	if errors.As(err, &named) {
		return named.Name()
	}
	return err.Error()
}
