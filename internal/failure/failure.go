// Package failure defines the error taxonomy shared by the engine and the
// host protocol layer.
package failure

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are stable and are sent to
// callers verbatim.
type Code string

const (
	// CodeLaunch means the process could not be started.
	CodeLaunch Code = "LAUNCH_ERROR"
	// CodeState means the operation is invalid in the current lifecycle state.
	CodeState Code = "STATE_ERROR"
	// CodeCapacity means a policy limit rejected the request.
	CodeCapacity Code = "CAPACITY_EXCEEDED"
	// CodeStall is advisory: a session produced no activity past the threshold.
	CodeStall Code = "STALL_CONDITION"
	// CodeUnexpectedExit means the process exited without being asked to.
	CodeUnexpectedExit Code = "UNEXPECTED_EXIT"
	// CodeInvalidSpec means a spawn request was malformed.
	CodeInvalidSpec Code = "INVALID_SPEC"
	// CodeNotFound means the task or session id is unknown.
	CodeNotFound Code = "NOT_FOUND"
)

// Error is a structured error carrying a Code and optional details.
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error and returns it.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns the string form of a detail, or "" when absent.
func (e *Error) Detail(key string) string {
	if v, ok := e.Details[key]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

// New creates an Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the first Code found in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
