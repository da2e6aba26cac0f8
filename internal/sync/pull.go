package sync

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// KindPull is the pull outcome for one kind.
type KindPull struct {
	Fetched  int
	Imported int
	// Skipped rows held an unpushed local change and were left alone.
	Skipped int
	// Rejected documents could not be decoded and were not imported.
	Rejected int
	Pruned   int
}

// PullResult summarizes PullAll.
type PullResult struct {
	Kinds map[models.Kind]KindPull
}

// Imported returns the total number of imported records.
func (r *PullResult) Imported() int {
	n := 0
	for _, k := range r.Kinds {
		n += k.Imported
	}
	return n
}

// ===== Pull =====

// PullAll fetches every kind from the gateway and imports it as synced
// data. Time-series kinds are fetched over PullWindow, small collections in
// full. It fails fast with NOT_AUTHENTICATED or NO_NETWORK before touching
// the gateway, and stops at the first gateway error.
func (e *Engine) PullAll(ctx context.Context) (*PullResult, error) {
	userID, err := e.auth.UserID(ctx)
	if err != nil {
		return nil, err
	}
	if !e.network.IsConnected() {
		return nil, apperrors.New(apperrors.ErrNoNetwork, "cannot pull while disconnected")
	}

	result := &PullResult{Kinds: make(map[models.Kind]KindPull)}
	for _, kind := range models.Kinds() {
		kp, err := e.pullKind(ctx, userID, kind)
		if err != nil {
			logging.ErrorWithCode("Pull failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"collection": string(kind),
			})
			return result, err
		}
		result.Kinds[kind] = kp
	}

	logging.Info("Pull completed", map[string]interface{}{
		"imported": result.Imported(),
	})
	return result, nil
}

func (e *Engine) pullKind(ctx context.Context, userID string, kind models.Kind) (KindPull, error) {
	var kp KindPull

	var since time.Time
	var sinceMillis int64
	if kind.TimeSeries() {
		since = e.outbox.Now().Add(-e.cfg.PullWindow)
		sinceMillis = since.UnixMilli()
	}

	docs, err := e.gateway.ListRange(ctx, userID, kind, sinceMillis)
	if err != nil {
		return kp, err
	}
	kp.Fetched = len(docs)

	keep := make(map[string]struct{}, len(docs))
	records := make([]models.Record, 0, len(docs))
	for _, doc := range docs {
		keep[doc.ID] = struct{}{}
		r, err := models.DecodeRecord(kind, doc.Data)
		if err != nil {
			kp.Rejected++
			logging.Warn("Remote document rejected", map[string]interface{}{
				"collection":  string(kind),
				"document_id": doc.ID,
				"error":       err.Error(),
			})
			continue
		}
		meta := r.Meta()
		meta.ID = doc.ID
		meta.LastModified = doc.ClientTS
		if meta.LastModified == 0 {
			meta.LastModified = doc.ServerTS
		}
		records = append(records, r)
	}

	res, err := e.store.ImportBatch(ctx, kind, records)
	if err != nil {
		return kp, err
	}
	kp.Imported = res.Imported
	kp.Skipped = res.Skipped

	pruned, err := e.store.PruneMissing(ctx, kind, since, keep)
	if err != nil {
		return kp, err
	}
	kp.Pruned = pruned
	return kp, nil
}
