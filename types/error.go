package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the machine-readable error string returned to callers in the
// "error" field of a failed transform response.
type ErrorKind string

// Transform error kinds
const (
	ErrMethodNotAllowed ErrorKind = "method_not_allowed"
	ErrMissingInputs    ErrorKind = "missing_inputs"
	ErrUpstreamFailed   ErrorKind = "hf_failed"
	ErrNoImage          ErrorKind = "no_image_in_response"
	ErrServerError      ErrorKind = "server_error"
)

// HTTPStatus returns the status code a kind is reported with.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrMissingInputs:
		return http.StatusBadRequest
	case ErrUpstreamFailed, ErrNoImage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error represents a structured error with kind, diagnostic detail and cause.
type Error struct {
	Kind       ErrorKind `json:"error"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"-"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Detail, e.Cause)
	}
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Status returns the explicit HTTP status or the kind's default.
func (e *Error) Status() int {
	if e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return e.Kind.HTTPStatus()
}

// NewError creates a new Error with the given kind and detail.
func NewError(kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetErrorKind extracts the error kind from an error chain.
func GetErrorKind(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return ""
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// WrapError converts any error into a *Error, keeping an existing kind when
// one is already present in the chain.
func WrapError(err error, kind ErrorKind) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(kind, err.Error()).WithCause(err)
}
