package sync

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
	"github.com/kimhsiao/nourish/backend/internal/store"
	"github.com/kimhsiao/nourish/backend/internal/sync/conflict"
	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
	"github.com/kimhsiao/nourish/backend/internal/sync/queue"
	"github.com/kimhsiao/nourish/backend/internal/sync/remote"
)

// EngineConfig holds the push and pull limits.
type EngineConfig struct {
	MaxRetries   int           // attempts before an operation is dead-lettered (default: 5)
	BatchSize    int           // concurrent pushes per batch (default: 5)
	PendingLimit int           // operations read from the outbox per cycle (default: 100)
	PushTimeout  time.Duration // per-operation read-compare-write timeout (default: 30s)
	PullWindow   time.Duration // lookback for time-series kinds (default: 90 days)
	// FastFailPermanent dead-letters MISSING_DATA, DECODING_FAILED and
	// UNKNOWN_COLLECTION on the first failure instead of retrying.
	FastFailPermanent bool
}

// DefaultEngineConfig returns the default limits.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxRetries:   5,
		BatchSize:    5,
		PendingLimit: 100,
		PushTimeout:  30 * time.Second,
		PullWindow:   90 * 24 * time.Hour,
	}
}

func (c *EngineConfig) withDefaults() EngineConfig {
	def := DefaultEngineConfig()
	if c == nil {
		return *def
	}
	out := *c
	if out.MaxRetries <= 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.BatchSize <= 0 {
		out.BatchSize = def.BatchSize
	}
	if out.PendingLimit <= 0 {
		out.PendingLimit = def.PendingLimit
	}
	if out.PushTimeout <= 0 {
		out.PushTimeout = def.PushTimeout
	}
	if out.PullWindow <= 0 {
		out.PullWindow = def.PullWindow
	}
	return out
}

// Connectivity reports whether the network is believed reachable.
type Connectivity interface {
	IsConnected() bool
}

type alwaysConnected struct{}

func (alwaysConnected) IsConnected() bool { return true }

// CycleResult summarizes one push cycle.
type CycleResult struct {
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Attempted    int
	Pushed       int
	Superseded   int
	Retried      int
	DeadLettered int
	Purged       int
	// TotalFailed is the dead-letter set size after the cycle.
	TotalFailed int
}

// Engine pushes outbox operations through a Gateway and pulls remote state
// into the store.
type Engine struct {
	store    *store.Store
	outbox   *queue.Outbox
	gateway  remote.Gateway
	auth     remote.AuthProvider
	resolver *conflict.Resolver
	events   notify.Publisher
	network  Connectivity
	cfg      EngineConfig
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithResolver overrides the conflict resolver.
func WithResolver(r *conflict.Resolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// WithEvents sets where cycle notifications are published.
func WithEvents(p notify.Publisher) EngineOption {
	return func(e *Engine) { e.events = p }
}

// WithConnectivity makes PullAll fail fast when disconnected.
func WithConnectivity(c Connectivity) EngineOption {
	return func(e *Engine) { e.network = c }
}

// NewEngine creates a new Engine.
func NewEngine(st *store.Store, gateway remote.Gateway, auth remote.AuthProvider, config *EngineConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    st,
		outbox:   st.Outbox(),
		gateway:  gateway,
		auth:     auth,
		resolver: conflict.NewResolver(conflict.DefaultTolerance),
		events:   notify.Discard{},
		network:  alwaysConnected{},
		cfg:      config.withDefaults(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the effective limits.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// ===== Push =====

type outcome int

const (
	outcomePushed outcome = iota
	outcomeSuperseded
	outcomeFailed
)

// pushResult is what one operation's push produced.
type pushResult struct {
	op       models.PendingSyncOperation
	outcome  outcome
	conflict *models.ConflictLog
	err      error
}

// Push reads the oldest pending operations and pushes them in batches of
// at most BatchSize concurrent calls. NOT_AUTHENTICATED and NO_NETWORK abort
// the cycle before the next batch; every other error is scoped to its
// operation and goes through the retry and dead-letter path.
func (e *Engine) Push(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{StartTime: e.outbox.Now()}
	defer func() {
		result.EndTime = e.outbox.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	userID, err := e.auth.UserID(ctx)
	if err != nil {
		return result, err
	}

	ops, err := e.outbox.PendingBatch(ctx, e.cfg.PendingLimit)
	if err != nil {
		return result, err
	}

	logging.Info("Sync cycle started", map[string]interface{}{
		"pending":    len(ops),
		"batch_size": e.cfg.BatchSize,
	})

	for start := 0; start < len(ops); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := start + e.cfg.BatchSize
		if end > len(ops) {
			end = len(ops)
		}
		batch := ops[start:end]

		// Per-operation failures travel in results; the group only caps
		// how many pushes are in flight.
		results := make([]pushResult, len(batch))
		var g errgroup.Group
		g.SetLimit(e.cfg.BatchSize)
		for i := range batch {
			g.Go(func() error {
				results[i] = e.pushOne(ctx, userID, batch[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}

		fatal := firstFatal(results)
		if err := e.settle(ctx, results, result); err != nil {
			return result, err
		}
		if fatal != nil {
			logging.ErrorWithCode("Sync cycle aborted", string(apperrors.CodeOf(fatal)), fatal, map[string]interface{}{
				"pushed":    result.Pushed,
				"remaining": len(ops) - end,
			})
			return result, fatal
		}
	}

	e.finishCycle(ctx, result)
	return result, nil
}

func firstFatal(results []pushResult) error {
	for _, r := range results {
		if r.outcome == outcomeFailed && apperrors.IsFatalForCycle(r.err) {
			return r.err
		}
	}
	return nil
}

// settle applies the batch outcomes to the store. Operations that failed
// for cycle-fatal reasons stay queued untouched.
func (e *Engine) settle(ctx context.Context, results []pushResult, cycle *CycleResult) error {
	for _, r := range results {
		if r.outcome == outcomeFailed && apperrors.IsFatalForCycle(r.err) {
			continue
		}
		cycle.Attempted++
		switch r.outcome {
		case outcomePushed:
			if r.conflict != nil {
				if err := e.store.LogConflict(ctx, r.conflict); err != nil {
					return err
				}
			}
			if err := e.store.MarkPushed(ctx, r.op); err != nil {
				return err
			}
			cycle.Pushed++

		case outcomeSuperseded:
			if err := e.store.MarkSuperseded(ctx, r.op, r.conflict); err != nil {
				return err
			}
			cycle.Superseded++

		case outcomeFailed:
			deadLetter := e.cfg.FastFailPermanent && apperrors.IsPermanent(r.err)
			out, err := e.store.RecordFailure(ctx, r.op, r.err, e.cfg.MaxRetries, deadLetter)
			if err != nil {
				return err
			}
			if out.DeadLettered {
				cycle.DeadLettered++
			} else {
				cycle.Retried++
			}
		}
	}
	return nil
}

// finishCycle purges confirmed tombstones and publishes the cycle summary.
func (e *Engine) finishCycle(ctx context.Context, cycle *CycleResult) {
	purged, err := e.store.PurgeDeleted(ctx)
	if err != nil {
		logging.Error("Failed to purge tombstones", err)
	}
	cycle.Purged = purged

	total, err := e.outbox.FailedCount(ctx)
	if err != nil {
		logging.Error("Failed to count dead-letter entries", err)
	}
	cycle.TotalFailed = total

	e.events.Publish(notify.Notification{
		Name:          notify.SyncCompleted,
		NewFailures:   cycle.DeadLettered,
		TotalFailures: total,
	})
	if cycle.DeadLettered > 0 {
		e.events.Publish(notify.Notification{
			Name:          notify.SyncOperationsFailed,
			NewFailures:   cycle.DeadLettered,
			TotalFailures: total,
		})
	}

	logging.Info("Sync cycle completed", map[string]interface{}{
		"attempted":     cycle.Attempted,
		"pushed":        cycle.Pushed,
		"superseded":    cycle.Superseded,
		"retried":       cycle.Retried,
		"dead_lettered": cycle.DeadLettered,
		"purged":        cycle.Purged,
		"total_failed":  total,
	})
}

// pushOne runs one operation against the gateway, racing PushTimeout.
// Whichever finishes first wins and the other side is cancelled.
func (e *Engine) pushOne(ctx context.Context, userID string, op models.PendingSyncOperation) pushResult {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.PushTimeout)
	defer cancel()

	done := make(chan pushResult, 1)
	go func() {
		done <- e.apply(opCtx, userID, op)
	}()

	var res pushResult
	select {
	case res = <-done:
		if res.outcome != outcomeFailed {
			return res
		}
	case <-opCtx.Done():
		res = pushResult{op: op, outcome: outcomeFailed, err: opCtx.Err()}
	}

	if stderrors.Is(opCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		logging.Warn("Push timed out", map[string]interface{}{
			"op_id":      op.ID,
			"timeout_ms": e.cfg.PushTimeout.Milliseconds(),
		})
		res.err = apperrors.Wrap(apperrors.ErrTransactionTimeout,
			fmt.Sprintf("push of %s/%s exceeded %s", op.Collection, op.DocumentID, e.cfg.PushTimeout), res.err)
	}
	return res
}

// apply performs the remote side of op.
func (e *Engine) apply(ctx context.Context, userID string, op models.PendingSyncOperation) pushResult {
	fail := func(err error) pushResult {
		logging.ErrorWithCode("Push failed", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"op_id":       op.ID,
			"collection":  string(op.Collection),
			"document_id": op.DocumentID,
			"retry_count": op.RetryCount,
		})
		return pushResult{op: op, outcome: outcomeFailed, err: err}
	}

	if !models.IsKnown(op.Collection) {
		return fail(apperrors.New(apperrors.ErrUnknownCollection, fmt.Sprintf("unknown collection %q", op.Collection)))
	}

	if op.Type == models.OperationDelete {
		if err := e.gateway.Delete(ctx, userID, op.Collection, op.DocumentID); err != nil {
			return fail(err)
		}
		return pushResult{op: op, outcome: outcomePushed}
	}

	if len(op.Data) == 0 {
		return fail(apperrors.New(apperrors.ErrMissingData, fmt.Sprintf("%s operation %s has no snapshot", op.Type, op.ID)))
	}
	record, err := models.DecodeRecord(op.Collection, op.Data)
	if err != nil {
		return fail(err)
	}
	var occurred int64
	if t := record.OccurredAt(); !t.IsZero() {
		occurred = t.UnixMilli()
	}

	local := conflict.Local{
		Collection:  op.Collection,
		DocumentID:  op.DocumentID,
		OperationID: op.ID,
		Timestamp:   op.Timestamp,
	}
	var decision conflict.Result
	_, err = e.gateway.Transact(ctx, userID, op.Collection, op.DocumentID, func(current *remote.Document) (*remote.Document, error) {
		var version *conflict.Version
		if current != nil {
			version = &conflict.Version{ServerTS: current.ServerTS, ClientTS: current.ClientTS}
		}
		decision = e.resolver.Decide(local, version)
		if decision.Action == conflict.ActionSkip {
			return nil, nil
		}
		return &remote.Document{
			ID:         op.DocumentID,
			Data:       op.Data,
			ClientTS:   op.Timestamp,
			OccurredAt: occurred,
		}, nil
	})
	if err != nil {
		return fail(err)
	}

	if decision.Action == conflict.ActionSkip {
		return pushResult{op: op, outcome: outcomeSuperseded, conflict: decision.ConflictLog}
	}
	return pushResult{op: op, outcome: outcomePushed, conflict: decision.ConflictLog}
}
