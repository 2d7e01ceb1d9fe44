// Package errs defines the control-plane error taxonomy used to turn
// rejected requests into {error, reason} control-channel responses.
package errs

import "fmt"

// Code identifies one of the error categories a control request can fail
// with.
type Code string

const (
	// TypeError marks a malformed control request (bad field, wrong type).
	TypeError Code = "TypeError"
	// InvalidState marks an operation attempted in the wrong lifecycle phase.
	InvalidState Code = "InvalidState"
	// NotFound marks a reference to an unknown id.
	NotFound Code = "NotFound"
	// AlreadyExists marks an id collision.
	AlreadyExists Code = "AlreadyExists"
	// UnsupportedMedia marks a codec not present in the negotiated set.
	UnsupportedMedia Code = "UnsupportedMedia"
)

// Error is a typed control-plane error. It satisfies the standard error
// interface and carries enough structure for internal/control to encode
// it as {error, reason} without a type switch at the call site.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Response returns the wire-level code and reason pair.
func (e *Error) Response() (code, reason string) {
	return string(e.Code), e.Reason
}

func NewTypeError(format string, args ...interface{}) *Error {
	return &Error{Code: TypeError, Reason: fmt.Sprintf(format, args...)}
}

func NewInvalidState(format string, args ...interface{}) *Error {
	return &Error{Code: InvalidState, Reason: fmt.Sprintf(format, args...)}
}

func NewNotFound(format string, args ...interface{}) *Error {
	return &Error{Code: NotFound, Reason: fmt.Sprintf(format, args...)}
}

func NewAlreadyExists(format string, args ...interface{}) *Error {
	return &Error{Code: AlreadyExists, Reason: fmt.Sprintf(format, args...)}
}

func NewUnsupportedMedia(format string, args ...interface{}) *Error {
	return &Error{Code: UnsupportedMedia, Reason: fmt.Sprintf(format, args...)}
}
