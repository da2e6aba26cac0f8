package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// ImportResult summarizes an ImportBatch call.
type ImportResult struct {
	Imported int
	// Skipped counts records left alone because a local change is queued,
	// dead-lettered or a local delete is unconfirmed.
	Skipped int
}

// ===== Pull Import =====

// ImportBatch writes remote records of one kind as synced rows without
// enqueueing anything. Rows with a queued or dead-lettered local operation,
// and local tombstones, are skipped, so a pull never overwrites an unpushed
// edit or resurrects a delete.
func (s *Store) ImportBatch(ctx context.Context, kind models.Kind, records []models.Record) (ImportResult, error) {
	var res ImportResult
	if !models.IsKnown(kind) {
		return res, apperrors.New(apperrors.ErrUnknownCollection, fmt.Sprintf("unknown collection %q", kind))
	}
	if len(records) == 0 {
		return res, nil
	}

	err := s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		res = ImportResult{}
		for _, r := range records {
			if r.Kind() != kind {
				return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("record of kind %s in %s import", r.Kind(), kind))
			}
			meta := r.Meta()
			held, err := s.heldLocallyTx(ctx, tx, kind, meta.ID)
			if err != nil {
				return err
			}
			if held {
				res.Skipped++
				continue
			}

			data, err := models.EncodeRecord(r)
			if err != nil {
				return err
			}
			if err := s.upsertTx(ctx, tx, kind, meta.ID, data, occurredAt(r), models.SyncStatusSynced, meta.LastModified); err != nil {
				return err
			}
			res.Imported++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}

	logging.Debug("Remote records imported", map[string]interface{}{
		"collection": string(kind),
		"imported":   res.Imported,
		"skipped":    res.Skipped,
	})
	return res, nil
}

// heldLocallyTx reports whether a local change to the record has not reached
// the remote yet.
func (s *Store) heldLocallyTx(ctx context.Context, tx *sql.Tx, kind models.Kind, id string) (bool, error) {
	queued, err := s.outbox.CountForDocumentTx(ctx, tx, kind, id)
	if err != nil || queued > 0 {
		return queued > 0, err
	}
	failed, err := s.outbox.FailedCountForDocumentTx(ctx, tx, kind, id)
	if err != nil || failed > 0 {
		return failed > 0, err
	}
	status, exists, err := s.statusTx(ctx, tx, kind, id)
	if err != nil {
		return false, err
	}
	return exists && status == models.SyncStatusDeleted, nil
}

// PruneMissing removes synced rows of kind that the remote no longer holds.
// For time-series kinds only rows occurring at or after since are
// considered, matching the window the remote was listed over. Rows with any
// queued or dead-lettered operation are kept.
func (s *Store) PruneMissing(ctx context.Context, kind models.Kind, since time.Time, keep map[string]struct{}) (int, error) {
	if !models.IsKnown(kind) {
		return 0, apperrors.New(apperrors.ErrUnknownCollection, fmt.Sprintf("unknown collection %q", kind))
	}
	table := kind.TableName()

	pruned := 0
	err := s.db.Writer().Do(ctx, func(tx *sql.Tx) error {
		pruned = 0
		sel := s.sq.Select("id").From(table).
			Where(squirrel.Eq{"sync_status": string(models.SyncStatusSynced)}).
			Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM sync_queue q WHERE q.collection = ? AND q.document_id = %s.id)", table), string(kind)).
			Where(fmt.Sprintf("NOT EXISTS (SELECT 1 FROM failed_operations f WHERE f.collection = ? AND f.document_id = %s.id)", table), string(kind))
		if kind.TimeSeries() && !since.IsZero() {
			sel = sel.Where(squirrel.GtOrEq{"occurred_at": since.UnixMilli()})
		}
		query, args, err := sel.ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to build prune select", err)
		}
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to scan %s", table), err)
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to scan id", err)
			}
			if _, ok := keep[id]; !ok {
				stale = append(stale, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate ids", err)
		}
		if len(stale) == 0 {
			return nil
		}

		query, args, err = s.sq.Delete(table).Where(squirrel.Eq{"id": stale}).ToSql()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to build prune delete", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to prune %s", table), err)
		}
		n, _ := res.RowsAffected()
		pruned = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		logging.Info("Records removed remotely pruned", map[string]interface{}{
			"collection": string(kind),
			"count":      pruned,
		})
	}
	return pruned, nil
}
