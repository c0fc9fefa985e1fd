// Package apperr defines the error taxonomy shared by services and HTTP handlers.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeForbidden   Code = "FORBIDDEN"
	CodeConflict    Code = "CONFLICT"
	CodeUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeInternal    Code = "INTERNAL_ERROR"
)

// Error carries a code, a human message and optional structured details.
type Error struct {
	Code    Code
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with the given code.
func New(code Code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Validation reports malformed or out-of-range input.
func Validation(message string, details any) *Error {
	return New(CodeValidation, message, details)
}

// NotFound reports a missing document, job or config.
func NotFound(message string) *Error {
	return New(CodeNotFound, message, nil)
}

// Forbidden reports cross-tenant access.
func Forbidden(message string) *Error {
	return New(CodeForbidden, message, nil)
}

// Conflict reports a write that lost a race or collides with existing state.
func Conflict(message string, details any) *Error {
	return New(CodeConflict, message, details)
}

// Unavailable reports a store or task-delivery dependency failure.
func Unavailable(message string, err error) *Error {
	return &Error{Code: CodeUnavailable, Message: message, Err: err}
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
