// Package fault defines the coded error values exchanged between agentmux
// components. Errors cross component and wire boundaries as plain data
// (code, message, optional detail) and are never panicked.
package fault

import (
	"errors"
	"fmt"
)

// Error is a coded error. Code follows the "prefix.kind" taxonomy
// (e.g. "ownership.denied", "bus.publish_failed").
type Error struct {
	Code    string         `json:"code" msgpack:"code"`
	Message string         `json:"message" msgpack:"message"`
	Detail  map[string]any `json:"detail,omitempty" msgpack:"detail,omitempty"`

	cause error
}

// New creates a coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error whose message and cause come from err.
func Wrap(code string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// With returns a copy of the error with a detail entry added.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Detail = make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		cp.Detail[k] = v
	}
	cp.Detail[key] = value
	return &cp
}

// Code extracts the code from err, or "" if err carries none.
func Code(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return Code(err) == code
}

// As extracts the *Error from err, or wraps err under the fallback code so
// callers always have a coded value to serialize.
func As(err error, fallbackCode string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return Wrap(fallbackCode, err)
}
