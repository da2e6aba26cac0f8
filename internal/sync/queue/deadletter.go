package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

var failedColumns = []string{
	"id", "operation_type", "collection", "document_id", "data", "timestamp", "retry_count", "error", "failed_at",
}

// ===== Dead-Letter Operations =====

// DeadLetterTx moves op out of the active outbox into the dead-letter set.
func (o *Outbox) DeadLetterTx(ctx context.Context, tx *sql.Tx, op models.PendingSyncOperation, cause error) (*models.FailedOperation, error) {
	failed := &models.FailedOperation{
		PendingSyncOperation: op,
		Error:                "unknown error",
		FailedAt:             o.now().UnixMilli(),
	}
	if cause != nil {
		failed.Error = cause.Error()
	}

	query, args, err := o.sq.Insert(failedTable).
		Columns(failedColumns...).
		Values(op.ID, string(op.Type), string(op.Collection), op.DocumentID, nullableBytes(op.Data), op.Timestamp, op.RetryCount, failed.Error, failed.FailedAt).
		ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build dead-letter insert", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to write dead-letter entry", err)
	}
	if err := o.RemoveTx(ctx, tx, op.ID); err != nil {
		return nil, err
	}

	logging.Warn("Operation dead-lettered", map[string]interface{}{
		"op_id":       op.ID,
		"collection":  string(op.Collection),
		"document_id": op.DocumentID,
		"retry_count": op.RetryCount,
		"error":       failed.Error,
	})
	return failed, nil
}

// ListFailed returns the dead-letter set, most recent first.
func (o *Outbox) ListFailed(ctx context.Context) ([]models.FailedOperation, error) {
	return o.selectFailed(ctx, o.db, o.sq.Select(failedColumns...).From(failedTable).OrderBy("failed_at DESC", "id"))
}

// FailedCount returns the size of the dead-letter set.
func (o *Outbox) FailedCount(ctx context.Context) (int, error) {
	return o.count(ctx, o.db, failedTable, nil)
}

// FailedCountForDocumentTx counts dead-letter entries for one record.
func (o *Outbox) FailedCountForDocumentTx(ctx context.Context, q Querier, kind models.Kind, id string) (int, error) {
	return o.count(ctx, q, failedTable, squirrel.Eq{"collection": string(kind), "document_id": id})
}

// TakeFailedTx removes a dead-letter entry and returns it.
func (o *Outbox) TakeFailedTx(ctx context.Context, tx *sql.Tx, failedID string) (*models.FailedOperation, error) {
	failed, err := o.selectFailed(ctx, tx, o.sq.Select(failedColumns...).From(failedTable).Where(squirrel.Eq{"id": failedID}))
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("failed operation %s not found", failedID))
	}

	query, args, err := o.sq.Delete(failedTable).Where(squirrel.Eq{"id": failedID}).ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build delete", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to remove dead-letter entry", err)
	}
	return &failed[0], nil
}

// RequeueTx moves a dead-letter entry back into the outbox with a fresh
// retry budget. It keeps its id and original timestamp.
func (o *Outbox) RequeueTx(ctx context.Context, tx *sql.Tx, failedID string) (*models.PendingSyncOperation, error) {
	failed, err := o.TakeFailedTx(ctx, tx, failedID)
	if err != nil {
		return nil, err
	}
	op := failed.PendingSyncOperation
	op.RetryCount = 0
	op.NextAttemptAt = 0
	if err := o.EnqueueTx(ctx, tx, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

func (o *Outbox) selectFailed(ctx context.Context, q Querier, sel squirrel.SelectBuilder) ([]models.FailedOperation, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build select", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read dead-letter set", err)
	}
	defer rows.Close()

	var out []models.FailedOperation
	for rows.Next() {
		var f models.FailedOperation
		var typ, collection string
		var data []byte
		if err := rows.Scan(&f.ID, &typ, &collection, &f.DocumentID, &data, &f.Timestamp, &f.RetryCount, &f.Error, &f.FailedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan dead-letter row", err)
		}
		f.Type = models.OperationType(typ)
		f.Collection = models.Kind(collection)
		f.Data = data
		out = append(out, f)
	}
	return out, rows.Err()
}

// ===== Conflict Log Operations =====

// LogConflictTx records a resolved concurrent edit.
func (o *Outbox) LogConflictTx(ctx context.Context, tx *sql.Tx, entry *models.ConflictLog) error {
	if entry.DetectedAt == 0 {
		entry.DetectedAt = o.now().UnixMilli()
	}
	query, args, err := o.sq.Insert(conflictTable).
		Columns("collection", "document_id", "operation_id", "local_timestamp", "remote_timestamp", "resolution", "detected_at").
		Values(string(entry.Collection), entry.DocumentID, entry.OperationID, entry.LocalTimestamp, entry.RemoteTimestamp, entry.Resolution, entry.DetectedAt).
		ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build conflict insert", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write conflict log", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListConflicts returns up to limit conflict log entries, newest first.
func (o *Outbox) ListConflicts(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	sel := o.sq.Select("id", "collection", "document_id", "operation_id", "local_timestamp", "remote_timestamp", "resolution", "detected_at").
		From(conflictTable).
		OrderBy("id DESC")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build select", err)
	}
	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read conflict log", err)
	}
	defer rows.Close()

	var out []models.ConflictLog
	for rows.Next() {
		var c models.ConflictLog
		var collection string
		if err := rows.Scan(&c.ID, &collection, &c.DocumentID, &c.OperationID, &c.LocalTimestamp, &c.RemoteTimestamp, &c.Resolution, &c.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan conflict row", err)
		}
		c.Collection = models.Kind(collection)
		out = append(out, c)
	}
	return out, rows.Err()
}
