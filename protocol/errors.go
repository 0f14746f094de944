package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the normalized classification of a failure carried in a Response.
type ErrorCode string

const (
	CodeAuthentication     ErrorCode = "AUTHENTICATION_FAILED"
	CodeAuthorization      ErrorCode = "AUTHORIZATION_FAILED"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodeNotSupported       ErrorCode = "OPERATION_NOT_SUPPORTED"
	CodeInvalidParameter   ErrorCode = "INVALID_PARAMETER"
	CodeThrottled          ErrorCode = "THROTTLED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeNetwork            ErrorCode = "NETWORK_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeNotFound           ErrorCode = "RESOURCE_NOT_FOUND"
	CodeAlreadyExists      ErrorCode = "RESOURCE_ALREADY_EXISTS"
	CodeWorkerNotRunning   ErrorCode = "WORKER_NOT_RUNNING"
	CodeWorkerCrashed      ErrorCode = "WORKER_CRASHED"
	CodeIPC                ErrorCode = "IPC_ERROR"
	CodeInternal           ErrorCode = "INTERNAL"
	CodeUnknown            ErrorCode = "UNKNOWN"
)

// Retryable reports whether a failure with this code is transient.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeThrottled, CodeTimeout, CodeNetwork, CodeServiceUnavailable:
		return true
	}
	return false
}

// IsWorkerInfrastructure reports whether the code describes a problem with the worker or
// the IPC link rather than with the operation itself.
func (c ErrorCode) IsWorkerInfrastructure() bool {
	switch c {
	case CodeWorkerNotRunning, CodeWorkerCrashed, CodeIPC:
		return true
	}
	return false
}

// Error is a structured failure that crosses the process boundary.
type Error struct {
	Code         ErrorCode      `json:"code"`
	Message      string         `json:"message"`
	RetryAfterMs int64          `json:"retryAfterMs,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the operation may succeed if retried.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// RetryAfter returns the suggested delay before retrying, or zero.
func (e *Error) RetryAfter() time.Duration {
	return time.Duration(e.RetryAfterMs) * time.Millisecond
}

// Is matches another *Error with the same code, so errors.Is(err, &Error{Code: CodeNotFound})
// works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithRetryAfter returns a copy of e carrying a retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := *e
	c.RetryAfterMs = d.Milliseconds()
	return &c
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return CodeUnknown
}

type invalidError string

func (e invalidError) Error() string { return "invalid response: " + string(e) }

func errInvalid(msg string) error { return invalidError(msg) }
