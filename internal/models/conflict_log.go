package models

import "time"

// Conflict resolutions recorded in the conflict log.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
)

// ConflictLog records a concurrent edit that was resolved automatically, so
// it can be surfaced to the user later.
type ConflictLog struct {
	ID              int64  `db:"id" json:"id"`
	Collection      Kind   `db:"collection" json:"collection"`
	DocumentID      string `db:"document_id" json:"document_id"`
	OperationID     string `db:"operation_id" json:"operation_id"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
