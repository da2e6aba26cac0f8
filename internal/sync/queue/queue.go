// Package queue is the durable outbox of local mutations awaiting push, with
// the dead-letter set for operations that exhausted their retries and the
// conflict log for superseded pushes.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/kimhsiao/nourish/backend/internal/db"
	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
	"github.com/kimhsiao/nourish/backend/internal/uuid"
)

const (
	queueTable    = "sync_queue"
	failedTable   = "failed_operations"
	conflictTable = "conflict_log"
)

var opColumns = []string{
	"id", "operation_type", "collection", "document_id", "data", "timestamp", "retry_count", "next_attempt_at",
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Outbox is the ordered log of pending mutations. Methods suffixed Tx run
// inside a caller's write transaction; the rest use the writer lane or, for
// reads, the shared connection pool.
type Outbox struct {
	db     *db.DB
	sq     squirrel.StatementBuilderType
	events notify.Publisher
	now    func() time.Time
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithPublisher sets where LocalDataPending notifications are posted.
func WithPublisher(p notify.Publisher) Option {
	return func(o *Outbox) { o.events = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// New creates an Outbox over database.
func New(database *db.DB, opts ...Option) *Outbox {
	o := &Outbox{
		db:     database,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
		events: notify.Discard{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Now returns the outbox clock reading.
func (o *Outbox) Now() time.Time {
	return o.now()
}

// ===== Enqueue Operations =====

// EnqueueTx appends op inside tx. A missing ID or Timestamp is filled in.
// Call Announce once tx has committed.
func (o *Outbox) EnqueueTx(ctx context.Context, tx *sql.Tx, op *models.PendingSyncOperation) error {
	if !op.Type.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid operation type %q", op.Type))
	}
	if op.DocumentID == "" {
		return apperrors.New(apperrors.ErrInvalid, "operation has no document id")
	}
	if op.ID == "" {
		op.ID = uuid.NewOperationID()
	}
	if op.Timestamp == 0 {
		op.Timestamp = o.now().UnixMilli()
	}

	query, args, err := o.sq.Insert(queueTable).
		Columns(opColumns...).
		Values(op.ID, string(op.Type), string(op.Collection), op.DocumentID, nullableBytes(op.Data), op.Timestamp, op.RetryCount, op.NextAttemptAt).
		ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build enqueue", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to enqueue operation", err)
	}
	return nil
}

// Enqueue appends op in its own transaction and announces it.
func (o *Outbox) Enqueue(ctx context.Context, op *models.PendingSyncOperation) error {
	err := o.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		return o.EnqueueTx(ctx, tx, op)
	})
	if err != nil {
		return err
	}
	o.Announce(op)
	return nil
}

// Announce posts LocalDataPending for a committed enqueue.
func (o *Outbox) Announce(op *models.PendingSyncOperation) {
	o.events.Publish(notify.Notification{
		Name:        notify.LocalDataPending,
		At:          o.now(),
		Collection:  op.Collection,
		DocumentID:  op.DocumentID,
		OperationID: op.ID,
	})
}

// ===== Read Operations =====

// PendingBatch returns up to limit entries, oldest enqueued first.
func (o *Outbox) PendingBatch(ctx context.Context, limit int) ([]models.PendingSyncOperation, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := o.sq.Select(opColumns...).From(queueTable).OrderBy("seq ASC").Limit(uint64(limit))
	return o.selectOps(ctx, o.db, q)
}

// Get returns a single outbox entry.
func (o *Outbox) Get(ctx context.Context, opID string) (*models.PendingSyncOperation, error) {
	ops, err := o.selectOps(ctx, o.db, o.sq.Select(opColumns...).From(queueTable).Where(squirrel.Eq{"id": opID}))
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not found", opID))
	}
	return &ops[0], nil
}

// Count returns the number of entries still awaiting push.
func (o *Outbox) Count(ctx context.Context) (int, error) {
	return o.count(ctx, o.db, queueTable, nil)
}

// CountForDocumentTx counts outbox entries for one record.
func (o *Outbox) CountForDocumentTx(ctx context.Context, q Querier, kind models.Kind, id string) (int, error) {
	return o.count(ctx, q, queueTable, squirrel.Eq{"collection": string(kind), "document_id": id})
}

func (o *Outbox) count(ctx context.Context, q Querier, table string, where squirrel.Eq) (int, error) {
	sel := o.sq.Select("COUNT(*)").From(table)
	if len(where) > 0 {
		sel = sel.Where(where)
	}
	query, args, err := sel.ToSql()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to build count", err)
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to count %s", table), err)
	}
	return n, nil
}

func (o *Outbox) selectOps(ctx context.Context, q Querier, sel squirrel.SelectBuilder) ([]models.PendingSyncOperation, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build select", err)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read outbox", err)
	}
	defer rows.Close()

	var ops []models.PendingSyncOperation
	for rows.Next() {
		var op models.PendingSyncOperation
		var typ, collection string
		var data []byte
		if err := rows.Scan(&op.ID, &typ, &collection, &op.DocumentID, &data, &op.Timestamp, &op.RetryCount, &op.NextAttemptAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan outbox row", err)
		}
		op.Type = models.OperationType(typ)
		op.Collection = models.Kind(collection)
		op.Data = data
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate outbox", err)
	}
	return ops, nil
}

// ===== Completion Operations =====

// RemoveTx deletes an entry. Only call after the remote write is confirmed.
func (o *Outbox) RemoveTx(ctx context.Context, tx *sql.Tx, opID string) error {
	query, args, err := o.sq.Delete(queueTable).Where(squirrel.Eq{"id": opID}).ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build delete", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove operation", err)
	}
	return nil
}

// Remove deletes an entry in its own transaction.
func (o *Outbox) Remove(ctx context.Context, opID string) error {
	return o.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		return o.RemoveTx(ctx, tx, opID)
	})
}

// IncrementRetry records a failed push attempt and returns the new retry
// count. The advisory next attempt time is Backoff(count) from now.
func (o *Outbox) IncrementRetry(ctx context.Context, opID string, cause error) (int, error) {
	var count int
	err := o.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		var err error
		count, err = o.IncrementRetryTx(ctx, tx, opID, cause)
		return err
	})
	return count, err
}

// IncrementRetryTx is IncrementRetry inside tx.
func (o *Outbox) IncrementRetryTx(ctx context.Context, tx *sql.Tx, opID string, cause error) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, "SELECT retry_count FROM sync_queue WHERE id = ?", opID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("operation %s not found", opID))
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to read retry count", err)
	}
	count++

	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	next := o.now().Add(Backoff(count)).UnixMilli()

	query, args, err := o.sq.Update(queueTable).
		Set("retry_count", count).
		Set("next_attempt_at", next).
		Set("last_error", lastError).
		Where(squirrel.Eq{"id": opID}).
		ToSql()
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to build retry update", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to increment retry", err)
	}

	logging.Info("Outbox retry scheduled", map[string]interface{}{
		"op_id":       opID,
		"retry_count": count,
		"backoff_ms":  Backoff(count).Milliseconds(),
	})
	return count, nil
}

// Backoff is the advisory delay before the retry-th attempt: 2^retry seconds,
// capped at one hour. Cycles do not wait for it; it is reported for diagnostics.
func Backoff(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > 12 {
		return time.Hour
	}
	backoff := time.Duration(1<<uint(retry)) * time.Second
	if backoff > time.Hour {
		backoff = time.Hour
	}
	return backoff
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
