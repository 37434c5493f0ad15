// Package errors defines the typed error kinds shared across the pagesentry
// job system. Kinds drive the HTTP status mapping and retry decisions.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes an application error.
type Kind string

const (
	// KindNotFound indicates the addressed resource does not exist.
	KindNotFound Kind = "not_found"
	// KindInvalidState indicates a state-transition was refused (e.g. completing a non-running job).
	KindInvalidState Kind = "invalid_state"
	// KindConflict indicates a uniqueness or concurrent-update conflict.
	KindConflict Kind = "conflict"
	// KindValidation indicates malformed or out-of-range input.
	KindValidation Kind = "validation"
	// KindInternal indicates an unexpected store or infrastructure failure.
	KindInternal Kind = "internal"
	// KindTimeout indicates the operation exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindCanceled indicates the operation was canceled by its context.
	KindCanceled Kind = "canceled"
)

// Error is the structured application error. It wraps an optional cause so
// errors.Is and errors.As keep working through it.
type Error struct {
	Kind    Kind
	Message string
	// Field names the offending input field for validation errors.
	Field string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NotFound creates an error for a missing resource.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidState creates an error for a refused state transition.
func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates an error for a uniqueness or concurrency conflict.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Validation creates an error for malformed input.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ValidationField creates a validation error tied to a specific input field.
func ValidationField(field, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Field: field}
}

// Internal creates an error for an unexpected failure.
func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error. Returns nil when err is nil.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

func is(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsInvalidState reports whether err carries KindInvalidState.
func IsInvalidState(err error) bool { return is(err, KindInvalidState) }

// IsConflict reports whether err carries KindConflict.
func IsConflict(err error) bool { return is(err, KindConflict) }

// IsValidation reports whether err carries KindValidation.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsInternal reports whether err carries KindInternal.
func IsInternal(err error) bool { return is(err, KindInternal) }

// KindOf returns the Kind carried by err, or empty when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// HTTPStatus maps an error kind to the status code the worker API surfaces.
// Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
