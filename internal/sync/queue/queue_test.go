// Package queue provides unit tests for the outbox and dead-letter set.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/kimhsiao/nourish/backend/internal/db"
	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/models"
	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

func newTestOutbox(t *testing.T, opts ...Option) (*Outbox, *db.DB) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database, opts...), database
}

func addOp(doc string) *models.PendingSyncOperation {
	return &models.PendingSyncOperation{
		Type:       models.OperationAdd,
		Collection: models.KindFoodEntry,
		DocumentID: doc,
		Data:       []byte(`{"id":"` + doc + `"}`),
	}
}

// =====================================================
// Enqueue Tests
// =====================================================

// TestEnqueue tests enqueuing fills ids and timestamps and announces.
func TestEnqueue(t *testing.T) {
	clock := &fixedClock{t: time.UnixMilli(1_700_000_000_000)}
	bus := notify.NewBus()
	events, cancel := bus.Subscribe(4, notify.LocalDataPending)
	defer cancel()

	o, _ := newTestOutbox(t, WithClock(clock.Now), WithPublisher(bus))
	ctx := context.Background()

	op := addOp("f1")
	if err := o.Enqueue(ctx, op); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if op.ID == "" {
		t.Error("Expected operation ID to be set")
	}
	if op.Timestamp != 1_700_000_000_000 {
		t.Errorf("Timestamp = %d, want clock time", op.Timestamp)
	}

	got, err := o.Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.DocumentID != "f1" || got.Type != models.OperationAdd || string(got.Data) != `{"id":"f1"}` {
		t.Errorf("Get() = %+v", got)
	}

	select {
	case n := <-events:
		if n.OperationID != op.ID || n.DocumentID != "f1" {
			t.Errorf("notification = %+v", n)
		}
	default:
		t.Error("Expected LocalDataPending notification")
	}
}

// TestEnqueue_invalid tests that malformed operations are rejected.
func TestEnqueue_invalid(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()

	tests := []struct {
		name string
		op   *models.PendingSyncOperation
	}{
		{"bad type", &models.PendingSyncOperation{Type: "upsert", Collection: models.KindFoodEntry, DocumentID: "x"}},
		{"no document", &models.PendingSyncOperation{Type: models.OperationDelete, Collection: models.KindFoodEntry}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := o.Enqueue(ctx, tt.op); !apperrors.Is(err, apperrors.ErrInvalid) {
				t.Errorf("Enqueue() error = %v, want INVALID_INPUT", err)
			}
		})
	}

	if n, _ := o.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

// TestEnqueueTx_rollback tests an enqueue disappears with its transaction.
func TestEnqueueTx_rollback(t *testing.T) {
	o, database := newTestOutbox(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := database.Writer().Do(ctx, func(tx *sql.Tx) error {
		if err := o.EnqueueTx(ctx, tx, addOp("f1")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v", err)
	}
	if n, _ := o.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0 after rollback", n)
	}
}

// =====================================================
// Ordering Tests
// =====================================================

// TestPendingBatch_fifo tests entries come back oldest first and bounded.
func TestPendingBatch_fifo(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()

	var ids []string
	for _, doc := range []string{"a", "b", "c", "d", "e"} {
		op := addOp(doc)
		if err := o.Enqueue(ctx, op); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		ids = append(ids, op.ID)
	}

	batch, err := o.PendingBatch(ctx, 3)
	if err != nil {
		t.Fatalf("PendingBatch failed: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("PendingBatch(3) returned %d entries", len(batch))
	}
	for i, op := range batch {
		if op.ID != ids[i] {
			t.Errorf("batch[%d] = %s, want %s", i, op.ID, ids[i])
		}
	}

	if err := o.Remove(ctx, ids[0]); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	batch, _ = o.PendingBatch(ctx, 10)
	if len(batch) != 4 || batch[0].ID != ids[1] {
		t.Errorf("after Remove, batch = %d entries starting %s", len(batch), batch[0].ID)
	}

	if batch, _ := o.PendingBatch(ctx, 0); batch != nil {
		t.Errorf("PendingBatch(0) = %v, want nil", batch)
	}
}

// TestCountForDocument tests per-record counting.
func TestCountForDocument(t *testing.T) {
	o, database := newTestOutbox(t)
	ctx := context.Background()

	o.Enqueue(ctx, addOp("a"))
	o.Enqueue(ctx, addOp("a"))
	o.Enqueue(ctx, addOp("b"))

	n, err := o.CountForDocumentTx(ctx, database, models.KindFoodEntry, "a")
	if err != nil {
		t.Fatalf("CountForDocumentTx failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountForDocumentTx(a) = %d, want 2", n)
	}
	if n, _ := o.CountForDocumentTx(ctx, database, models.KindWeightEntry, "a"); n != 0 {
		t.Errorf("CountForDocumentTx(weight, a) = %d, want 0", n)
	}
}

// =====================================================
// Retry Tests
// =====================================================

// TestIncrementRetry tests retry counting and advisory backoff.
func TestIncrementRetry(t *testing.T) {
	clock := &fixedClock{t: time.UnixMilli(1_000_000)}
	o, _ := newTestOutbox(t, WithClock(clock.Now))
	ctx := context.Background()

	op := addOp("f1")
	o.Enqueue(ctx, op)

	for want := 1; want <= 3; want++ {
		got, err := o.IncrementRetry(ctx, op.ID, errors.New("timeout"))
		if err != nil {
			t.Fatalf("IncrementRetry failed: %v", err)
		}
		if got != want {
			t.Errorf("IncrementRetry() = %d, want %d", got, want)
		}
	}

	stored, _ := o.Get(ctx, op.ID)
	if stored.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", stored.RetryCount)
	}
	if want := clock.t.Add(8 * time.Second).UnixMilli(); stored.NextAttemptAt != want {
		t.Errorf("NextAttemptAt = %d, want %d", stored.NextAttemptAt, want)
	}

	// Still eligible: backoff is advisory only.
	if batch, _ := o.PendingBatch(ctx, 10); len(batch) != 1 {
		t.Errorf("PendingBatch() = %d entries, want 1", len(batch))
	}

	if _, err := o.IncrementRetry(ctx, "missing", nil); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("IncrementRetry(missing) error = %v, want NOT_FOUND", err)
	}
}

// TestBackoff tests exponential backoff calculation.
func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{11, 2048 * time.Second},
		{12, time.Hour},
		{40, time.Hour},
	}
	for _, tt := range tests {
		if got := Backoff(tt.retry); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

// =====================================================
// Dead-Letter Tests
// =====================================================

// TestDeadLetter tests eviction into the dead-letter set and requeue.
func TestDeadLetter(t *testing.T) {
	o, database := newTestOutbox(t)
	ctx := context.Background()

	op := addOp("f1")
	o.Enqueue(ctx, op)
	o.IncrementRetry(ctx, op.ID, errors.New("decode"))
	stored, _ := o.Get(ctx, op.ID)

	err := database.Writer().Do(ctx, func(tx *sql.Tx) error {
		_, err := o.DeadLetterTx(ctx, tx, *stored, errors.New("decode"))
		return err
	})
	if err != nil {
		t.Fatalf("DeadLetterTx failed: %v", err)
	}

	if n, _ := o.Count(ctx); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
	failed, err := o.ListFailed(ctx)
	if err != nil {
		t.Fatalf("ListFailed failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("ListFailed() = %d entries, want 1", len(failed))
	}
	if failed[0].ID != op.ID || failed[0].Error != "decode" || failed[0].RetryCount != 1 {
		t.Errorf("failed entry = %+v", failed[0])
	}
	if n, _ := o.FailedCountForDocumentTx(ctx, database, models.KindFoodEntry, "f1"); n != 1 {
		t.Errorf("FailedCountForDocumentTx() = %d, want 1", n)
	}

	var requeued *models.PendingSyncOperation
	err = database.Writer().Do(ctx, func(tx *sql.Tx) error {
		var err error
		requeued, err = o.RequeueTx(ctx, tx, op.ID)
		return err
	})
	if err != nil {
		t.Fatalf("RequeueTx failed: %v", err)
	}
	if requeued.RetryCount != 0 || requeued.Timestamp != op.Timestamp {
		t.Errorf("requeued = %+v", requeued)
	}
	if n, _ := o.FailedCount(ctx); n != 0 {
		t.Errorf("FailedCount() = %d, want 0", n)
	}
	if n, _ := o.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

// TestTakeFailed_missing tests unknown dead-letter ids.
func TestTakeFailed_missing(t *testing.T) {
	o, database := newTestOutbox(t)
	ctx := context.Background()

	err := database.Writer().Do(ctx, func(tx *sql.Tx) error {
		_, err := o.TakeFailedTx(ctx, tx, "nope")
		return err
	})
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("TakeFailedTx() error = %v, want NOT_FOUND", err)
	}
}

// =====================================================
// Conflict Log Tests
// =====================================================

// TestConflictLog tests conflict entries round-trip newest first.
func TestConflictLog(t *testing.T) {
	o, database := newTestOutbox(t)
	ctx := context.Background()

	for i, doc := range []string{"w1", "w2"} {
		entry := &models.ConflictLog{
			Collection:      models.KindWeightEntry,
			DocumentID:      doc,
			OperationID:     "op",
			LocalTimestamp:  int64(100 + i),
			RemoteTimestamp: int64(5000 + i),
			Resolution:      models.ResolutionRemoteWins,
		}
		err := database.Writer().Do(ctx, func(tx *sql.Tx) error {
			return o.LogConflictTx(ctx, tx, entry)
		})
		if err != nil {
			t.Fatalf("LogConflictTx failed: %v", err)
		}
		if entry.ID == 0 {
			t.Error("Expected conflict id to be set")
		}
	}

	conflicts, err := o.ListConflicts(ctx, 10)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(conflicts) != 2 || conflicts[0].DocumentID != "w2" {
		t.Errorf("ListConflicts() = %+v", conflicts)
	}
	if conflicts[1].Resolution != models.ResolutionRemoteWins || conflicts[1].DetectedAt == 0 {
		t.Errorf("conflict = %+v", conflicts[1])
	}
}
