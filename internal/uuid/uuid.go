// Package uuid generates the client-side identifiers used for records and outbox operations.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// New generates a random record identifier (UUID v4).
func New() string {
	return uuid.New().String()
}

// NewOperationID generates a time-ordered identifier (UUID v7) for outbox
// operations, so ids created later sort after earlier ones.
func NewOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// IsValid checks if s parses as a UUID of any version.
func IsValid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

// Validate returns an error if s is not a canonical UUID string.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
