// Package conflict decides whether a local write may overwrite the remote
// record using last-write-wins with a clock-skew tolerance window.
package conflict

import (
	"time"

	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// DefaultTolerance absorbs clock skew between devices and the backend.
const DefaultTolerance = time.Second

// Action is what the push should do with the local write.
type Action int

const (
	// ActionWrite overwrites the remote record.
	ActionWrite Action = iota
	// ActionSkip drops the local write as superseded.
	ActionSkip
)

func (a Action) String() string {
	if a == ActionSkip {
		return "skip"
	}
	return "write"
}

// Version carries the timestamps attached to a remote record, in unix millis.
type Version struct {
	// ServerTS is assigned by the backend on every write.
	ServerTS int64
	// ClientTS is the local write timestamp of the operation that produced
	// the record; 0 when the record was written by something else.
	ClientTS int64
}

// Local describes the outbox operation being pushed.
type Local struct {
	Collection  models.Kind
	DocumentID  string
	OperationID string
	// Timestamp is the local write time, unix millis.
	Timestamp int64
}

// Result is the outcome of Decide.
type Result struct {
	Action Action
	// ConflictLog is set when a concurrent remote edit was detected.
	ConflictLog *models.ConflictLog
}

// Resolver applies the last-write-wins policy.
type Resolver struct {
	tolerance time.Duration
	now       func() time.Time
}

// NewResolver creates a Resolver; a non-positive tolerance uses DefaultTolerance.
func NewResolver(tolerance time.Duration) *Resolver {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Resolver{tolerance: tolerance, now: time.Now}
}

// Tolerance returns the configured window.
func (r *Resolver) Tolerance() time.Duration {
	return r.tolerance
}

// Decide compares the local write with the remote record (nil when absent).
//
// A missing remote record is written unconditionally. When the remote record
// carries the client timestamp of the write that produced it, the later
// client timestamp wins regardless of push order, so a device's own earlier
// push never supersedes its later edits. Records without a client timestamp
// fall back to the server timestamp: a local write older than it by more than
// the tolerance is skipped.
func (r *Resolver) Decide(local Local, remote *Version) Result {
	if remote == nil {
		return Result{Action: ActionWrite}
	}

	tol := r.tolerance.Milliseconds()
	action := ActionWrite
	var concurrent bool
	if remote.ClientTS > 0 {
		if remote.ClientTS > local.Timestamp {
			action = ActionSkip
		}
		concurrent = remote.ClientTS > local.Timestamp-tol
	} else {
		if local.Timestamp < remote.ServerTS-tol {
			action = ActionSkip
		}
		concurrent = remote.ServerTS > local.Timestamp
	}
	if !concurrent {
		return Result{Action: action}
	}

	resolution := models.ResolutionLocalWins
	if action == ActionSkip {
		resolution = models.ResolutionRemoteWins
	}

	entry := &models.ConflictLog{
		Collection:      local.Collection,
		DocumentID:      local.DocumentID,
		OperationID:     local.OperationID,
		LocalTimestamp:  local.Timestamp,
		RemoteTimestamp: remote.ServerTS,
		Resolution:      resolution,
		DetectedAt:      r.now().UnixMilli(),
	}

	logging.Info("Conflict resolved using last-write-wins", map[string]interface{}{
		"collection":       string(local.Collection),
		"document_id":      local.DocumentID,
		"op_id":            local.OperationID,
		"local_timestamp":  local.Timestamp,
		"remote_timestamp": remote.ServerTS,
		"remote_client_ts": remote.ClientTS,
		"resolution":       resolution,
	})

	return Result{Action: action, ConflictLog: entry}
}
