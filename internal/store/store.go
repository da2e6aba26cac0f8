// Package store is the local record store: one table per record kind, with
// every mutation recorded in the outbox inside the same transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/kimhsiao/nourish/backend/internal/db"
	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
	"github.com/kimhsiao/nourish/backend/internal/sync/queue"
)

// Store reads and writes records. Reads run concurrently on the connection
// pool; writes go through the database's single writer lane.
type Store struct {
	db     *db.DB
	outbox *queue.Outbox
	sq     squirrel.StatementBuilderType

	// lastStamp is only touched from inside writer-lane transactions.
	lastStamp int64
}

// New creates a Store writing its outbox entries to outbox.
func New(database *db.DB, outbox *queue.Outbox) *Store {
	return &Store{
		db:     database,
		outbox: outbox,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

// Outbox returns the outbox the store writes to.
func (s *Store) Outbox() *queue.Outbox {
	return s.outbox
}

// stamp returns a strictly increasing write time in unix millis, so two
// writes to the same record never share a conflict timestamp.
func (s *Store) stamp() int64 {
	ts := s.outbox.Now().UnixMilli()
	if ts <= s.lastStamp {
		ts = s.lastStamp + 1
	}
	s.lastStamp = ts
	return ts
}

// Filter narrows Query results. Zero values mean "no constraint".
type Filter struct {
	// From and To bound OccurredAt as [From, To).
	From time.Time
	To   time.Time
	// Status restricts to one sync status. Deleted rows are never returned.
	Status models.SyncStatus
	Limit  int
	Offset int
}

func occurredAt(r models.Record) int64 {
	t := r.OccurredAt()
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ===== Write Operations =====

// Save writes r under its id and enqueues an add or update in the same
// transaction. It never touches the network.
func (s *Store) Save(ctx context.Context, r models.Record) error {
	if err := models.Validate(r); err != nil {
		return err
	}
	kind := r.Kind()
	meta := r.Meta()

	var op *models.PendingSyncOperation
	err := s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		status, exists, err := s.statusTx(ctx, tx, kind, meta.ID)
		if err != nil {
			return err
		}
		opType := models.OperationAdd
		if exists && status != models.SyncStatusDeleted {
			opType = models.OperationUpdate
		}

		ts := s.stamp()
		meta.LastModified = ts
		data, err := models.EncodeRecord(r)
		if err != nil {
			return err
		}

		if err := s.upsertTx(ctx, tx, kind, meta.ID, data, occurredAt(r), models.SyncStatusPending, ts); err != nil {
			return err
		}

		op = &models.PendingSyncOperation{
			Type:       opType,
			Collection: kind,
			DocumentID: meta.ID,
			Data:       data,
			Timestamp:  ts,
		}
		return s.outbox.EnqueueTx(ctx, tx, op)
	})
	if err != nil {
		return err
	}

	meta.SyncStatus = models.SyncStatusPending
	s.outbox.Announce(op)

	logging.Debug("Record saved", map[string]interface{}{
		"collection":  string(kind),
		"document_id": meta.ID,
		"op_id":       op.ID,
		"op_type":     string(op.Type),
	})
	return nil
}

// SoftDelete marks a record deleted and enqueues a delete. The row stays
// as a tombstone until PurgeDeleted runs after the delete is confirmed.
func (s *Store) SoftDelete(ctx context.Context, kind models.Kind, id string) error {
	if !models.IsKnown(kind) {
		return apperrors.New(apperrors.ErrUnknownCollection, fmt.Sprintf("unknown collection %q", kind))
	}

	var op *models.PendingSyncOperation
	err := s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		status, exists, err := s.statusTx(ctx, tx, kind, id)
		if err != nil {
			return err
		}
		if !exists || status == models.SyncStatusDeleted {
			return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id))
		}

		ts := s.stamp()
		if err := s.setStatusTx(ctx, tx, kind, id, models.SyncStatusDeleted, ts); err != nil {
			return err
		}
		op = &models.PendingSyncOperation{
			Type:       models.OperationDelete,
			Collection: kind,
			DocumentID: id,
			Timestamp:  ts,
		}
		return s.outbox.EnqueueTx(ctx, tx, op)
	})
	if err != nil {
		return err
	}

	s.outbox.Announce(op)
	logging.Debug("Record deleted", map[string]interface{}{
		"collection":  string(kind),
		"document_id": id,
		"op_id":       op.ID,
	})
	return nil
}

// PurgeDeleted removes tombstones whose delete is no longer in the outbox or
// the dead-letter set. Run it periodically, never inline with a user write.
func (s *Store) PurgeDeleted(ctx context.Context) (int, error) {
	purged := 0
	err := s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		for _, kind := range models.Kinds() {
			table := kind.TableName()
			query, args, err := s.sq.Delete(table).
				Where(squirrel.Eq{"sync_status": string(models.SyncStatusDeleted)}).
				Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM sync_queue q WHERE q.collection = ? AND q.document_id = %s.id)", table), string(kind)).
				Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM failed_operations f WHERE f.collection = ? AND f.document_id = %s.id)", table), string(kind)).
				ToSql()
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInternal, "failed to build purge", err)
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to purge %s", table), err)
			}
			n, _ := res.RowsAffected()
			purged += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		logging.Info("Tombstones purged", map[string]interface{}{
			"count": purged,
		})
	}
	return purged, nil
}

// ===== Read Operations =====

// Get returns a visible record. Deleted and missing records are NOT_FOUND.
func (s *Store) Get(ctx context.Context, kind models.Kind, id string) (models.Record, error) {
	if !models.IsKnown(kind) {
		return nil, apperrors.New(apperrors.ErrUnknownCollection, fmt.Sprintf("unknown collection %q", kind))
	}
	sel := s.sq.Select("id", "data", "sync_status", "last_modified").
		From(kind.TableName()).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.NotEq{"sync_status": string(models.SyncStatusDeleted)})
	records, err := s.selectRecords(ctx, kind, sel)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id))
	}
	return records[0], nil
}

// Query returns visible records of kind, most recent first.
func (s *Store) Query(ctx context.Context, kind models.Kind, f Filter) ([]models.Record, error) {
	if !models.IsKnown(kind) {
		return nil, apperrors.New(apperrors.ErrUnknownCollection, fmt.Sprintf("unknown collection %q", kind))
	}
	sel := s.sq.Select("id", "data", "sync_status", "last_modified").
		From(kind.TableName()).
		Where(squirrel.NotEq{"sync_status": string(models.SyncStatusDeleted)})
	if f.Status != "" {
		sel = sel.Where(squirrel.Eq{"sync_status": string(f.Status)})
	}
	if !f.From.IsZero() {
		sel = sel.Where(squirrel.GtOrEq{"occurred_at": f.From.UnixMilli()})
	}
	if !f.To.IsZero() {
		sel = sel.Where(squirrel.Lt{"occurred_at": f.To.UnixMilli()})
	}
	sel = sel.OrderBy("occurred_at DESC", "last_modified DESC", "id")
	if f.Limit > 0 {
		sel = sel.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			sel = sel.Limit(math.MaxInt64)
		}
		sel = sel.Offset(uint64(f.Offset))
	}
	return s.selectRecords(ctx, kind, sel)
}

// SyncStatus returns the stored status of a record, including tombstones.
func (s *Store) SyncStatus(ctx context.Context, kind models.Kind, id string) (models.SyncStatus, bool, error) {
	return s.statusTx(ctx, s.db, kind, id)
}

// CountByStatus returns the number of rows of kind per sync status.
func (s *Store) CountByStatus(ctx context.Context, kind models.Kind) (map[models.SyncStatus]int, error) {
	if !models.IsKnown(kind) {
		return nil, apperrors.New(apperrors.ErrUnknownCollection, fmt.Sprintf("unknown collection %q", kind))
	}
	query, args, err := s.sq.Select("sync_status", "COUNT(*)").From(kind.TableName()).GroupBy("sync_status").ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build count", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to count records", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan count", err)
		}
		counts[models.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) selectRecords(ctx context.Context, kind models.Kind, sel squirrel.SelectBuilder) ([]models.Record, error) {
	query, args, err := sel.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build select", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to query %s", kind), err)
	}
	defer rows.Close()

	var records []models.Record
	for rows.Next() {
		var id, data, status string
		var lastModified int64
		if err := rows.Scan(&id, &data, &status, &lastModified); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan record", err)
		}
		r, err := models.DecodeRecord(kind, []byte(data))
		if err != nil {
			return nil, err
		}
		meta := r.Meta()
		meta.ID = id
		meta.SyncStatus = models.SyncStatus(status)
		meta.LastModified = lastModified
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate records", err)
	}
	return records, nil
}

// ===== Row Helpers =====

// statusTx reports a row's status. Unknown kinds have no rows.
func (s *Store) statusTx(ctx context.Context, q queue.Querier, kind models.Kind, id string) (models.SyncStatus, bool, error) {
	if !models.IsKnown(kind) {
		return "", false, nil
	}
	query, args, err := s.sq.Select("sync_status").From(kind.TableName()).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrInternal, "failed to build select", err)
	}
	var status string
	err = q.QueryRowContext(ctx, query, args...).Scan(&status)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read sync status", err)
	}
	return models.SyncStatus(status), true, nil
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, kind models.Kind, id string, data []byte, occurred int64, status models.SyncStatus, lastModified int64) error {
	query, args, err := s.sq.Insert(kind.TableName()).
		Columns("id", "data", "occurred_at", "sync_status", "last_modified").
		Values(id, string(data), occurred, string(status), lastModified).
		Suffix("ON CONFLICT(id) DO UPDATE SET data = excluded.data, occurred_at = excluded.occurred_at, " +
			"sync_status = excluded.sync_status, last_modified = excluded.last_modified").
		ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build upsert", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to write %s", kind), err)
	}
	return nil
}

func (s *Store) setStatusTx(ctx context.Context, tx *sql.Tx, kind models.Kind, id string, status models.SyncStatus, lastModified int64) error {
	upd := s.sq.Update(kind.TableName()).Set("sync_status", string(status)).Where(squirrel.Eq{"id": id})
	if lastModified > 0 {
		upd = upd.Set("last_modified", lastModified)
	}
	query, args, err := upd.ToSql()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build update", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to update sync status", err)
	}
	return nil
}
