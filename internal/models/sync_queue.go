package models

import (
	"encoding/json"
	"time"
)

// OperationType is the kind of mutation recorded in the outbox.
type OperationType string

const (
	OperationAdd    OperationType = "add"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	switch t {
	case OperationAdd, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// PendingSyncOperation is one outbox entry awaiting push.
type PendingSyncOperation struct {
	ID         string          `db:"id" json:"id"`
	Type       OperationType   `db:"operation_type" json:"type"`
	Collection Kind            `db:"collection" json:"collection"`
	DocumentID string          `db:"document_id" json:"document_id"`
	Data       json.RawMessage `db:"data" json:"data,omitempty"` // snapshot at enqueue time; empty for deletes
	Timestamp  int64           `db:"timestamp" json:"timestamp"` // unix millis of the local write
	RetryCount int             `db:"retry_count" json:"retry_count"`
	// NextAttemptAt is advisory backoff in unix millis; 0 means eligible now.
	NextAttemptAt int64 `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
}

// TableName returns the table name for PendingSyncOperation.
func (PendingSyncOperation) TableName() string {
	return "sync_queue"
}

// TimestampTime returns Timestamp as time.Time.
func (op *PendingSyncOperation) TimestampTime() time.Time {
	return time.UnixMilli(op.Timestamp)
}

// FailedOperation is an outbox entry that exhausted its retry budget.
type FailedOperation struct {
	PendingSyncOperation
	Error    string `db:"error" json:"error"`
	FailedAt int64  `db:"failed_at" json:"failed_at"`
}

// TableName returns the table name for FailedOperation.
func (FailedOperation) TableName() string {
	return "failed_operations"
}

// FailedAtTime returns FailedAt as time.Time.
func (f *FailedOperation) FailedAtTime() time.Time {
	return time.UnixMilli(f.FailedAt)
}
