// Package melonerr defines the error kinds that cross the master/worker
// RPC boundary and maps them to HTTP status codes for the JSON transport.
package melonerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the closed set of error categories an RPC can fail
// with.
type Kind int

const (
	Internal Kind = iota
	InvalidArgument
	NotFound
	PermissionDenied
	ResourceExhausted
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case NotFound:
		return "NotFound"
	case PermissionDenied:
		return "PermissionDenied"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Unavailable:
		return "Unavailable"
	default:
		return "Internal"
	}
}

// HTTPStatus returns the status code a handler should answer with for
// this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PermissionDenied:
		return http.StatusForbidden
	case ResourceExhausted:
		return http.StatusConflict
	case Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind alongside a human-readable message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Invalidf(format string, args ...any) *Error        { return newf(InvalidArgument, format, args...) }
func NotFoundf(format string, args ...any) *Error        { return newf(NotFound, format, args...) }
func PermissionDeniedf(format string, args ...any) *Error { return newf(PermissionDenied, format, args...) }
func ResourceExhaustedf(format string, args ...any) *Error {
	return newf(ResourceExhausted, format, args...)
}
func Unavailablef(format string, args ...any) *Error { return newf(Unavailable, format, args...) }

// Wrap returns an Internal error wrapping cause, for store-write
// failures and other invariant violations.
func Wrap(cause error, message string) *Error {
	return &Error{Kind: Internal, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal if err is
// not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// WriteHTTP writes err to w using the status code its Kind maps to, as a
// one-line plain-text body — mirroring the reference handler's use of
// http.Error rather than a structured JSON error envelope.
func WriteHTTP(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: Internal, Message: err.Error()}
	}
	http.Error(w, e.Message, e.Kind.HTTPStatus())
}
