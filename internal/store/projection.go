package store

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// Projection methods apply push outcomes to the outbox and the record's
// sync status in one transaction, so a pending row always has an outbox
// entry and an outbox entry never outlives the row's pending state.

// FailureOutcome reports what RecordFailure did with an operation.
type FailureOutcome struct {
	RetryCount   int
	DeadLettered bool
}

// ===== Push Outcomes =====

// MarkPushed removes a confirmed operation. The record becomes synced once
// no other operation for it remains queued.
func (s *Store) MarkPushed(ctx context.Context, op models.PendingSyncOperation) error {
	return s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		if err := s.outbox.RemoveTx(ctx, tx, op.ID); err != nil {
			return err
		}
		return s.settleTx(ctx, tx, op.Collection, op.DocumentID)
	})
}

// MarkSuperseded removes an operation the remote rejected as older than its
// current version and records the conflict.
func (s *Store) MarkSuperseded(ctx context.Context, op models.PendingSyncOperation, entry *models.ConflictLog) error {
	return s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		if err := s.outbox.RemoveTx(ctx, tx, op.ID); err != nil {
			return err
		}
		if entry != nil {
			if err := s.outbox.LogConflictTx(ctx, tx, entry); err != nil {
				return err
			}
		}
		return s.settleTx(ctx, tx, op.Collection, op.DocumentID)
	})
}

// LogConflict records a conflict that did not change the push outcome, such
// as a local write that overwrote a newer-looking remote one.
func (s *Store) LogConflict(ctx context.Context, entry *models.ConflictLog) error {
	return s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		return s.outbox.LogConflictTx(ctx, tx, entry)
	})
}

// RecordFailure counts a failed attempt. Once the retry count reaches
// maxRetries, or immediately when deadLetter is set, the operation moves to
// the dead-letter set and the record is marked failed.
func (s *Store) RecordFailure(ctx context.Context, op models.PendingSyncOperation, cause error, maxRetries int, deadLetter bool) (FailureOutcome, error) {
	var out FailureOutcome
	err := s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		count, err := s.outbox.IncrementRetryTx(ctx, tx, op.ID, cause)
		if err != nil {
			return err
		}
		out = FailureOutcome{RetryCount: count}
		if count < maxRetries && !deadLetter {
			return nil
		}

		op.RetryCount = count
		if _, err := s.outbox.DeadLetterTx(ctx, tx, op, cause); err != nil {
			return err
		}
		out.DeadLettered = true
		return s.markFailedTx(ctx, tx, op.Collection, op.DocumentID)
	})
	return out, err
}

// ===== Dead-Letter Recovery =====

// Requeue moves a dead-lettered operation back into the outbox with a fresh
// retry budget.
func (s *Store) Requeue(ctx context.Context, failedID string) (*models.PendingSyncOperation, error) {
	var op *models.PendingSyncOperation
	err := s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		var err error
		op, err = s.outbox.RequeueTx(ctx, tx, failedID)
		if err != nil {
			return err
		}
		status, exists, err := s.statusTx(ctx, tx, op.Collection, op.DocumentID)
		if err != nil {
			return err
		}
		if exists && status == models.SyncStatusFailed {
			return s.setStatusTx(ctx, tx, op.Collection, op.DocumentID, models.SyncStatusPending, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.outbox.Announce(op)
	return op, nil
}

// DiscardFailed drops a dead-lettered operation for good. The local row is
// left as is.
func (s *Store) DiscardFailed(ctx context.Context, failedID string) error {
	return s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		failed, err := s.outbox.TakeFailedTx(ctx, tx, failedID)
		if err != nil {
			return err
		}
		logging.Info("Dead-letter entry discarded", map[string]interface{}{
			"op_id":       failed.ID,
			"collection":  string(failed.Collection),
			"document_id": failed.DocumentID,
		})
		return nil
	})
}

// ===== Status Projection =====

// settleTx marks a record synced when nothing for it is left in the outbox.
// Tombstones stay deleted until purged.
func (s *Store) settleTx(ctx context.Context, tx *sql.Tx, kind models.Kind, id string) error {
	remaining, err := s.outbox.CountForDocumentTx(ctx, tx, kind, id)
	if err != nil || remaining > 0 {
		return err
	}
	status, exists, err := s.statusTx(ctx, tx, kind, id)
	if err != nil || !exists {
		return err
	}
	switch status {
	case models.SyncStatusPending, models.SyncStatusFailed:
		return s.setStatusTx(ctx, tx, kind, id, models.SyncStatusSynced, 0)
	}
	return nil
}

// markFailedTx marks a pending record failed when its last queued operation
// was dead-lettered. A tombstone stays deleted so the record stays hidden.
func (s *Store) markFailedTx(ctx context.Context, tx *sql.Tx, kind models.Kind, id string) error {
	remaining, err := s.outbox.CountForDocumentTx(ctx, tx, kind, id)
	if err != nil || remaining > 0 {
		return err
	}
	status, exists, err := s.statusTx(ctx, tx, kind, id)
	if err != nil || !exists {
		return err
	}
	if status == models.SyncStatusPending {
		return s.setStatusTx(ctx, tx, kind, id, models.SyncStatusFailed, 0)
	}
	return nil
}
