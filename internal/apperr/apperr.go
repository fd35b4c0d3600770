// Package apperr carries the error taxonomy shared by all services: local
// validation failures, user-visible conflicts, transient I/O failures and
// missing records. Callers branch on the code, not on the message.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation rejects bad input before any network or store call.
func Validation(msg string) error { return New(CodeInvalidArgument, msg) }

// Conflict is surfaced to the user as-is and never retried.
func Conflict(msg string) error { return New(CodeAlreadyExists, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Forbidden(msg string) error { return New(CodePermissionDenied, msg) }

// Transient marks a network or store failure. The affected operation is
// reported to the caller and retried only on explicit user action.
func Transient(msg string, cause error) error { return Wrap(CodeUnavailable, msg, cause) }

func Internal(msg string, cause error) error { return Wrap(CodeInternal, msg, cause) }

// CodeOf extracts the code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsValidation(err error) bool { return CodeOf(err) == CodeInvalidArgument }
func IsConflict(err error) bool   { return CodeOf(err) == CodeAlreadyExists }
func IsNotFound(err error) bool   { return CodeOf(err) == CodeNotFound }
func IsTransient(err error) bool  { return CodeOf(err) == CodeUnavailable }
