// Package errors tests for error code definitions and error handling.
package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorCodeValues verifies all error codes have non-empty values.
func TestErrorCodeValues(t *testing.T) {
	tests := []struct {
		name string
		code ErrorCode
	}{
		// General errors
		{"internal", ErrInternal},
		{"invalid", ErrInvalid},
		{"not found", ErrNotFound},
		{"validation", ErrValidation},

		// Database errors
		{"database", ErrDatabase},
		{"migration", ErrMigration},
		{"locked", ErrLocked},

		// Sync errors
		{"not authenticated", ErrNotAuthenticated},
		{"no network", ErrNoNetwork},
		{"missing data", ErrMissingData},
		{"decoding failed", ErrDecodingFailed},
		{"unknown collection", ErrUnknownCollection},
		{"transaction timeout", ErrTransactionTimeout},
		{"sync in progress", ErrSyncInProgress},
		{"sync throttled", ErrSyncThrottled},
		{"remote", ErrRemote},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "" {
				t.Errorf("ErrorCode %q should not be empty", tt.name)
			}
		})
	}
}

// TestAppError_Error verifies error message formatting.
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "error without underlying error",
			appError: &AppError{Code: ErrInternal, Message: "something failed"},
			want:     "[INTERNAL_ERROR] something failed",
		},
		{
			name:     "error with underlying error",
			appError: &AppError{Code: ErrDatabase, Message: "query failed", Err: errors.New("connection lost")},
			want:     "[DATABASE_ERROR] query failed: connection lost",
		},
		{
			name:     "no network",
			appError: &AppError{Code: ErrNoNetwork, Message: "offline"},
			want:     "[NO_NETWORK] offline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.appError.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestWrap verifies error wrapping.
func TestWrap(t *testing.T) {
	underlyingErr := errors.New("underlying")

	err := Wrap(ErrDatabase, "query failed", underlyingErr)
	if err.Code != ErrDatabase {
		t.Errorf("Wrap() code = %q, want %q", err.Code, ErrDatabase)
	}
	if err.Unwrap() != underlyingErr {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), underlyingErr)
	}
	if !errors.Is(err, underlyingErr) {
		t.Error("errors.Is should find the wrapped error")
	}
}

// TestIs verifies error code checking through wrap chains.
func TestIs(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"matching AppError", New(ErrNotFound, "not found"), ErrNotFound, true},
		{"non-matching AppError", New(ErrNotFound, "not found"), ErrInternal, false},
		{"non-AppError", errors.New("standard error"), ErrInternal, false},
		{"nil error", nil, ErrInternal, false},
		{"wrapped with fmt", fmt.Errorf("push: %w", New(ErrTransactionTimeout, "slow")), ErrTransactionTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.code); got != tt.want {
				t.Errorf("Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestClassification verifies cycle-fatal and permanent classification.
func TestClassification(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		fatal     bool
		permanent bool
	}{
		{ErrNotAuthenticated, true, false},
		{ErrNoNetwork, true, false},
		{ErrMissingData, false, true},
		{ErrDecodingFailed, false, true},
		{ErrUnknownCollection, false, true},
		{ErrTransactionTimeout, false, false},
		{ErrRemote, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := fmt.Errorf("op: %w", New(tt.code, "x"))
			if got := IsFatalForCycle(err); got != tt.fatal {
				t.Errorf("IsFatalForCycle() = %v, want %v", got, tt.fatal)
			}
			if got := IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.permanent)
			}
		})
	}

	if IsFatalForCycle(errors.New("plain")) {
		t.Error("plain errors are never cycle-fatal")
	}
}
