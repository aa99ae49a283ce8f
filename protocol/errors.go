package protocol

import (
	"errors"
	"fmt"
)

// Code is a stable wire-level error code.
type Code string

const (
	// Handshake and negotiation failures.
	CodeInvalidHandshake      Code = "INVALID_HANDSHAKE"
	CodeVersionMismatch       Code = "VERSION_MISMATCH"
	CodeUnsupportedCapability Code = "UNSUPPORTED_CAPABILITY"

	// Job lifecycle failures.
	CodeDuplicateRequest Code = "DUPLICATE_REQUEST"
	CodeJobNotFound      Code = "JOB_NOT_FOUND"
	CodeExecutionError   Code = "EXECUTION_ERROR"
	CodeCancelled        Code = "CANCELLED"

	// Tool catalog failures.
	CodeToolNotFound     Code = "TOOL_NOT_FOUND"
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// Resource signals. These are internal and non-fatal: SESSION_EVICTED
	// tells a client to re-handshake; SCHEMA_CACHE_MISS only ever shows up
	// in cache statistics and logs.
	CodeSessionEvicted  Code = "SESSION_EVICTED"
	CodeSchemaCacheMiss Code = "SCHEMA_CACHE_MISS"
)

// SubCodeTimeout is carried in the detail of an EXECUTION_ERROR produced by
// an expired per-call deadline.
const SubCodeTimeout = "TIMEOUT"

// Error is a coded protocol error. It renders into whichever envelope the
// session negotiated; the code set is identical in both.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// NewError builds a coded error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf builds a coded error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail field and returns the same error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any, 1)
	}
	e.Detail[key] = value
	return e
}

// IsCode reports whether err is (or wraps) a protocol error with the given
// code.
func IsCode(err error, code Code) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Code == code
}

// CodeOf extracts the code from err, or returns "" when err carries none.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// AsError coerces err into a coded error. Errors without a code become
// EXECUTION_ERROR so that nothing crosses the protocol boundary uncoded.
func AsError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeExecutionError, Message: err.Error()}
}
