package napi

import "fmt"

// Status is the result code returned by every function of the extension
// API. Values match the numbering native extensions are compiled against.
type Status int

const (
	StatusOK                    Status = 0
	StatusInvalidArg            Status = 1
	StatusGenericFailure        Status = 9
	StatusPendingException      Status = 10
	StatusCancelled             Status = 11
	StatusEscapeCalledTwice     Status = 12
	StatusHandleScopeMismatch   Status = 13
	StatusCallbackScopeMismatch Status = 14
	StatusClosing               Status = 16
)

var statusNames = map[Status]string{
	StatusOK:                    "ok",
	StatusInvalidArg:            "invalid argument",
	StatusGenericFailure:        "generic failure",
	StatusPendingException:      "pending exception",
	StatusCancelled:             "cancelled",
	StatusEscapeCalledTwice:     "escape called twice",
	StatusHandleScopeMismatch:   "handle scope mismatch",
	StatusCallbackScopeMismatch: "callback scope mismatch",
	StatusClosing:               "environment is closing",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ExtendedErrorInfo describes the outcome of the last API call made on an
// environment.
type ExtendedErrorInfo struct {
	Status Status
	// Message is a short diagnostic, e.g. the scheduler error name
	// ("ESHUTDOWN") for a failed queue. Empty on success.
	Message string
}

// GetLastErrorInfo returns the outcome of the most recent call on env.
func GetLastErrorInfo(env *Env) (ExtendedErrorInfo, Status) {
	if env == nil {
		return ExtendedErrorInfo{}, StatusInvalidArg
	}
	return env.lastError, StatusOK
}

func (e *Env) setLastError(status Status, message string) Status {
	e.lastError = ExtendedErrorInfo{Status: status, Message: message}
	return status
}

func (e *Env) ok() Status {
	return e.setLastError(StatusOK, "")
}
