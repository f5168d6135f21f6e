// Package errors provides error code definitions and the retryability
// taxonomy used by the sync engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode represents a unique application error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Store errors
	ErrStore       ErrorCode = "STORE_ERROR"
	ErrStoreRecord ErrorCode = "STORE_RECORD_CORRUPT"

	// Sync errors
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"
	ErrSyncConflict     ErrorCode = "SYNC_CONFLICT"
	ErrSyncUnresolvable ErrorCode = "SYNC_CONFLICT_UNRESOLVABLE"
	ErrSyncTimeout      ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline      ErrorCode = "SYNC_OFFLINE"
	ErrSyncRateLimited  ErrorCode = "SYNC_RATE_LIMITED"
	ErrSyncRejected     ErrorCode = "SYNC_REJECTED"

	// Remote transport errors
	ErrRemote            ErrorCode = "REMOTE_ERROR"
	ErrRemoteUnavailable ErrorCode = "REMOTE_UNAVAILABLE"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// retryable marks whether the operation that produced this error
	// may be attempted again.
	retryable bool
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new permanent AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Retryable marks the error as transient.
func (e *AppError) Retryable() *AppError {
	e.retryable = true
	return e
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the application error code, or ErrInternal when the
// error carries none.
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether an operation that failed with err should be
// attempted again. Network failures, timeouts and explicitly retryable
// application errors qualify; everything else is permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// IsRateLimited reports whether err is a rate-limit rejection. Rate-limited
// operations are retried with a fixed longer delay instead of the
// exponential schedule.
func IsRateLimited(err error) bool {
	return Is(err, ErrSyncRateLimited)
}

// FromHTTPStatus classifies a remote HTTP status into an AppError.
// 5xx and 429 are transient; all other non-2xx statuses are permanent.
func FromHTTPStatus(status int, message string) *AppError {
	switch {
	case status == http.StatusTooManyRequests:
		return Wrap(ErrSyncRateLimited, message, fmt.Errorf("http status %d", status)).Retryable()
	case status >= 500:
		return Wrap(ErrRemoteUnavailable, message, fmt.Errorf("http status %d", status)).Retryable()
	case status >= 400:
		return Wrap(ErrSyncRejected, message, fmt.Errorf("http status %d", status))
	default:
		return Wrap(ErrRemote, message, fmt.Errorf("unexpected http status %d", status))
	}
}
