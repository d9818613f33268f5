package napi

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrLoopRunning is returned by Run or Close while the environment's
	// loop is already running.
	ErrLoopRunning = errors.New("napi: event loop is already running")
	// ErrClosed is returned when running a closed environment.
	ErrClosed = errors.New("napi: environment is closed")
)

// FatalError is the panic value raised for unrecoverable programming
// errors: scope discipline violations and engine access from a goroutine
// other than the engine thread. The heap root bookkeeping can no longer be
// trusted after one, so callers must not recover and continue.
type FatalError struct {
	Location string
	Message  string
}

func (e *FatalError) Error() string {
	if e.Location == "" {
		return "napi: fatal error: " + e.Message
	}
	return fmt.Sprintf("napi: fatal error in %s: %s", e.Location, e.Message)
}

// Fatal aborts the current engine operation with a FatalError.
func Fatal(location, message string) {
	panic(&FatalError{Location: location, Message: message})
}

func (e *Env) fatal(location, message string) {
	e.logger.Error("fatal error",
		zap.String("location", location),
		zap.String("message", message))
	Fatal(location, message)
}

// checkThread enforces engine-thread confinement for an API entry point.
func (e *Env) checkThread(location string) {
	if !e.IsEngineThread() {
		e.fatal(location, "called off the engine thread")
	}
}
