package db

import (
	"context"
	"database/sql"
	"sync"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
)

// TxFunc is a unit of work executed inside a write transaction.
type TxFunc func(tx *sql.Tx) error

type writeRequest struct {
	ctx    context.Context
	fn     TxFunc
	result chan error
}

// Writer serializes every write to the store through one goroutine, so each
// TxFunc observes and commits atomically with respect to all other writes.
// A TxFunc must not call Do on the same Writer.
type Writer struct {
	db       *sql.DB
	requests chan writeRequest
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewWriter starts the writer goroutine for db.
func NewWriter(db *sql.DB) *Writer {
	w := &Writer{
		db:       db,
		requests: make(chan writeRequest),
		stopCh:   make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Writer) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case req := <-w.requests:
			req.result <- w.run(req.ctx, req.fn)
		}
	}
}

func (w *Writer) run(ctx context.Context, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Once started the transaction is not tied to the caller's cancellation,
	// so Do always reports whether it committed.
	tx, err := w.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin write transaction", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to commit write transaction", err)
	}
	return nil
}

// Do runs fn in a write transaction on the writer lane and waits for the
// outcome. The transaction commits when fn returns nil and rolls back otherwise.
func (w *Writer) Do(ctx context.Context, fn TxFunc) error {
	req := writeRequest{ctx: ctx, fn: fn, result: make(chan error, 1)}

	select {
	case w.requests <- req:
	case <-w.stopCh:
		return apperrors.New(apperrors.ErrDatabase, "writer is closed")
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-req.result
}

// Close stops accepting writes and waits for the in-flight one to finish.
func (w *Writer) Close() {
	w.once.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
}
