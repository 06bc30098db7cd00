// Package domainerrors carries coded errors across package boundaries so callers
// can branch on what went wrong without string matching.
//
// Gateways return sentinel facts (see pkg/platform/sentinel); the unit of work
// translates those into coded errors with New or Wrap, and transports map the
// code to a response status.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error category.
type Code string

const (
	CodeConstraintViolation   Code = "constraint_violation"
	CodeConsolidationConflict Code = "consolidation_conflict"
	CodeNotFound              Code = "not_found"
	CodeInvalidInput          Code = "invalid_input"
	CodeInvalidState          Code = "invalid_state"
	CodeUnavailable           Code = "unavailable"
	CodeTimeout               Code = "timeout"
	CodeInternal              Code = "internal"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a coded error around cause.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in err's tree carries code. Joined errors
// are searched branch by branch.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(*Error); ok && de.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return HasCode(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if HasCode(e, code) {
				return true
			}
		}
	}
	return false
}

// Is is shorthand for HasCode.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
