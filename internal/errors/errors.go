// Package errors provides standardized domain errors with codes for the Margin sync engine.
//
// Usage:
//
//	// In the client/engine - return typed errors
//	if resp.StatusCode == http.StatusUnauthorized {
//	    return errors.AuthenticationFailed("workspace token rejected")
//	}
//
//	// In callers - check with errors.Is
//	if errors.Is(err, errors.ErrConfigMissing) {
//	    // fatal, requires user action
//	}
//
//	// Or classify for retry decisions
//	if errors.IsRetryable(err) {
//	    scheduler.Requeue(task)
//	}
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Code represents a machine-readable error code.
type Code string

// Error codes used throughout the sync engine. The set mirrors the sync
// failure taxonomy: retryable transport failures, fatal configuration
// problems, and credential/source failures that need user action.
const (
	CodeNetwork              Code = "NETWORK"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeConflict             Code = "CONFLICT"
	CodeConfigMissing        Code = "CONFIG_MISSING"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeSourceUnavailable    Code = "SOURCE_UNAVAILABLE"
	CodeNotFound             Code = "NOT_FOUND"
	CodeValidation           Code = "VALIDATION"
	CodeCancelled            Code = "CANCELLED"
	CodeUnknown              Code = "UNKNOWN"
)

// Retryable reports whether failures with this code are safe to retry
// automatically. Unknown errors are treated as retryable - the sync
// algorithm is idempotent, so a spurious retry is cheap while a wrongly
// stranded task needs user action.
func (c Code) Retryable() bool {
	switch c {
	case CodeNetwork, CodeRateLimited, CodeConflict, CodeUnknown:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the status code the control API uses for this code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case CodeValidation, CodeConfigMissing:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeSourceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a code, short message, and optional detail.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	cause   error  // unexported, for wrapping
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Retryable reports whether this error's code is retryable.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// WithDetail returns a new error carrying an expanded detail message
// (e.g. the raw response body) alongside the short classified message.
func (e *Error) WithDetail(detail string) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Detail:  detail,
		cause:   e.cause,
	}
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Detail:  e.Detail,
		cause:   err,
	}
}

// Sentinel errors for use with errors.Is().
var (
	ErrNetwork              = &Error{Code: CodeNetwork, Message: "network error"}
	ErrRateLimited          = &Error{Code: CodeRateLimited, Message: "rate limited by remote"}
	ErrConflict             = &Error{Code: CodeConflict, Message: "remote conflict"}
	ErrConfigMissing        = &Error{Code: CodeConfigMissing, Message: "configuration missing"}
	ErrAuthenticationFailed = &Error{Code: CodeAuthenticationFailed, Message: "authentication failed"}
	ErrSourceUnavailable    = &Error{Code: CodeSourceUnavailable, Message: "content source unavailable"}
	ErrNotFound             = &Error{Code: CodeNotFound, Message: "not found"}
	ErrValidation           = &Error{Code: CodeValidation, Message: "validation error"}
	ErrCancelled            = &Error{Code: CodeCancelled, Message: "cancelled"}
	ErrUnknown              = &Error{Code: CodeUnknown, Message: "unknown error"}
)

// Constructor functions for creating errors with custom messages.

// Network creates a retryable network error.
func Network(msg string) *Error {
	return &Error{Code: CodeNetwork, Message: msg}
}

// Networkf creates a network error with formatted message.
func Networkf(format string, args ...any) *Error {
	return &Error{Code: CodeNetwork, Message: fmt.Sprintf(format, args...)}
}

// RateLimited creates a rate-limited error.
func RateLimited(msg string) *Error {
	return &Error{Code: CodeRateLimited, Message: msg}
}

// Conflict creates a conflict error.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

// ConfigMissing creates a fatal configuration error.
func ConfigMissing(msg string) *Error {
	return &Error{Code: CodeConfigMissing, Message: msg}
}

// ConfigMissingf creates a configuration error with formatted message.
func ConfigMissingf(format string, args ...any) *Error {
	return &Error{Code: CodeConfigMissing, Message: fmt.Sprintf(format, args...)}
}

// AuthenticationFailed creates a credential error.
func AuthenticationFailed(msg string) *Error {
	return &Error{Code: CodeAuthenticationFailed, Message: msg}
}

// SourceUnavailable creates a local-source access error.
func SourceUnavailable(msg string) *Error {
	return &Error{Code: CodeSourceUnavailable, Message: msg}
}

// SourceUnavailablef creates a source error with formatted message.
func SourceUnavailablef(format string, args ...any) *Error {
	return &Error{Code: CodeSourceUnavailable, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not found error.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// NotFoundf creates a not found error with formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// Unknown creates an unclassified error wrapping the cause.
func Unknown(msg string, cause error) *Error {
	return &Error{Code: CodeUnknown, Message: msg, cause: cause}
}

// Classify returns the code for any error. Typed errors report their own
// code; context cancellation maps to CANCELLED; everything else is UNKNOWN.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeUnknown
}

// IsRetryable reports whether err may be retried automatically.
// Untyped errors are conservatively treated as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code.Retryable()
	}
	return true
}
