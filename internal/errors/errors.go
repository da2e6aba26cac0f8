// Package errors provides error codes shared by the store, the outbox and the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to the mobile shells.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrLocked    ErrorCode = "STORE_LOCKED"

	// Sync errors
	ErrNotAuthenticated   ErrorCode = "NOT_AUTHENTICATED"
	ErrNoNetwork          ErrorCode = "NO_NETWORK"
	ErrMissingData        ErrorCode = "MISSING_DATA"
	ErrDecodingFailed     ErrorCode = "DECODING_FAILED"
	ErrUnknownCollection  ErrorCode = "UNKNOWN_COLLECTION"
	ErrTransactionTimeout ErrorCode = "TRANSACTION_TIMEOUT"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncThrottled      ErrorCode = "SYNC_THROTTLED"
	ErrRemote             ErrorCode = "REMOTE_ERROR"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
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

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if err, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in the chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsFatalForCycle reports whether err must abort a whole sync cycle or pull
// before any batch is started.
func IsFatalForCycle(err error) bool {
	switch CodeOf(err) {
	case ErrNotAuthenticated, ErrNoNetwork:
		return true
	}
	return false
}

// IsPermanent reports whether retrying err can never succeed without a code
// or data change. Timeouts and remote failures are transient.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case ErrMissingData, ErrDecodingFailed, ErrUnknownCollection:
		return true
	}
	return false
}
