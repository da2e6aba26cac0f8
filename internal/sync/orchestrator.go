package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/sync/queue"
)

// Trigger is the reason a sync cycle was requested.
type Trigger int

const (
	TriggerExplicit Trigger = iota
	TriggerLocalChange
	TriggerReconnect
	TriggerForeground
	// TriggerPeriodic also pulls after pushing.
	TriggerPeriodic
)

func (t Trigger) String() string {
	switch t {
	case TriggerExplicit:
		return "explicit"
	case TriggerLocalChange:
		return "local_change"
	case TriggerReconnect:
		return "reconnect"
	case TriggerForeground:
		return "foreground"
	case TriggerPeriodic:
		return "periodic"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// DefaultMinInterval is the throttle window for non-forced triggers.
const DefaultMinInterval = 30 * time.Second

// Status is the user-facing sync snapshot.
type Status struct {
	PendingOperations int        `json:"pending_operations" yaml:"pending_operations"`
	FailedOperations  int        `json:"failed_operations" yaml:"failed_operations"`
	IsConnected       bool       `json:"is_connected" yaml:"is_connected"`
	IsSyncing         bool       `json:"is_syncing" yaml:"is_syncing"`
	LastSyncAttempt   *time.Time `json:"last_sync_attempt,omitempty" yaml:"last_sync_attempt,omitempty"`
	LastSyncSuccess   *time.Time `json:"last_sync_success,omitempty" yaml:"last_sync_success,omitempty"`
	LastError         string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// CycleOutcome is what a forced sync reports back to its caller.
type CycleOutcome struct {
	Push *CycleResult
	Pull *PullResult
}

type request struct {
	trigger Trigger
	forced  bool
	ctx     context.Context
	reply   chan cycleDone // nil for fire-and-forget triggers
}

type cycleDone struct {
	outcome CycleOutcome
	err     error
	reply   chan cycleDone
}

type snapshot struct {
	syncing     bool
	lastAttempt time.Time
	lastSuccess time.Time
	lastErr     error
}

// Orchestrator decides when sync cycles run. All of its state is owned by
// a single goroutine and changed only through messages, so at most one
// cycle runs at a time and a trigger arriving mid-cycle is dropped.
type Orchestrator struct {
	engine      EngineInterface
	outbox      *queue.Outbox
	network     Connectivity
	minInterval time.Duration
	now         func() time.Time

	requests  chan request
	finished  chan cycleDone
	snapshots chan chan snapshot

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMinInterval sets the throttle window for non-forced triggers.
func WithMinInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.minInterval = d }
}

// WithOrchestratorClock overrides the clock used for throttling.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator starts an Orchestrator. Close stops it.
func NewOrchestrator(engine EngineInterface, outbox *queue.Outbox, network Connectivity, opts ...OrchestratorOption) *Orchestrator {
	if network == nil {
		network = alwaysConnected{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		engine:      engine,
		outbox:      outbox,
		network:     network,
		minInterval: DefaultMinInterval,
		now:         time.Now,
		requests:    make(chan request),
		finished:    make(chan cycleDone),
		snapshots:   make(chan chan snapshot),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.wg.Add(1)
	go o.loop()
	return o
}

// Trigger requests a cycle without waiting for it. It is ignored while
// disconnected, while a cycle runs, and within the throttle window.
func (o *Orchestrator) Trigger(t Trigger) {
	select {
	case o.requests <- request{trigger: t, ctx: o.ctx}:
	case <-o.ctx.Done():
	}
}

// ForceSync runs a cycle now, bypassing the throttle, and waits for it.
// It fails with SYNC_IN_PROGRESS when a cycle is already running and with
// NO_NETWORK when disconnected.
func (o *Orchestrator) ForceSync(ctx context.Context) (CycleOutcome, error) {
	return o.force(ctx, TriggerExplicit)
}

// ForceRefresh is ForceSync followed by a full pull.
func (o *Orchestrator) ForceRefresh(ctx context.Context) (CycleOutcome, error) {
	return o.force(ctx, TriggerPeriodic)
}

func (o *Orchestrator) force(ctx context.Context, t Trigger) (CycleOutcome, error) {
	reply := make(chan cycleDone, 1)
	select {
	case o.requests <- request{trigger: t, forced: true, ctx: ctx, reply: reply}:
	case <-ctx.Done():
		return CycleOutcome{}, ctx.Err()
	case <-o.ctx.Done():
		return CycleOutcome{}, apperrors.New(apperrors.ErrInternal, "orchestrator is closed")
	}

	select {
	case done := <-reply:
		return done.outcome, done.err
	case <-o.ctx.Done():
		return CycleOutcome{}, apperrors.New(apperrors.ErrInternal, "orchestrator is closed")
	}
}

// Status returns the current snapshot. Counts are read from the outbox.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	ch := make(chan snapshot, 1)
	var snap snapshot
	select {
	case o.snapshots <- ch:
		snap = <-ch
	case <-o.ctx.Done():
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}

	st := Status{
		IsConnected: o.network.IsConnected(),
		IsSyncing:   snap.syncing,
	}
	if !snap.lastAttempt.IsZero() {
		t := snap.lastAttempt
		st.LastSyncAttempt = &t
	}
	if !snap.lastSuccess.IsZero() {
		t := snap.lastSuccess
		st.LastSyncSuccess = &t
	}
	if snap.lastErr != nil {
		st.LastError = snap.lastErr.Error()
	}

	var err error
	if st.PendingOperations, err = o.outbox.Count(ctx); err != nil {
		return st, err
	}
	if st.FailedOperations, err = o.outbox.FailedCount(ctx); err != nil {
		return st, err
	}
	return st, nil
}

// Close stops accepting triggers, cancels a running cycle and waits for the
// loop to exit.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
	})
}

// ===== Actor Loop =====

func (o *Orchestrator) loop() {
	defer o.wg.Done()

	var state snapshot
	var running sync.WaitGroup
	defer running.Wait()

	for {
		select {
		case <-o.ctx.Done():
			return

		case ch := <-o.snapshots:
			ch <- state

		case done := <-o.finished:
			state.syncing = false
			state.lastErr = done.err
			if done.err == nil {
				state.lastSuccess = o.now()
			}
			if done.reply != nil {
				done.reply <- done
			}

		case req := <-o.requests:
			if err := o.admit(&state, req); err != nil {
				if req.reply != nil {
					req.reply <- cycleDone{err: err}
				}
				continue
			}
			state.syncing = true
			state.lastAttempt = o.now()

			running.Add(1)
			go func(req request) {
				defer running.Done()
				outcome, err := o.runCycle(req)
				select {
				case o.finished <- cycleDone{outcome: outcome, err: err, reply: req.reply}:
				case <-o.ctx.Done():
				}
			}(req)
		}
	}
}

// admit applies the guard, connectivity check and throttle. A rejected
// trigger does not count as an attempt.
func (o *Orchestrator) admit(state *snapshot, req request) error {
	if state.syncing {
		logging.Debug("Sync already in progress, trigger dropped", map[string]interface{}{
			"trigger": req.trigger.String(),
		})
		return apperrors.New(apperrors.ErrSyncInProgress, "a sync cycle is already running")
	}
	if !o.network.IsConnected() {
		logging.Debug("Offline, trigger ignored", map[string]interface{}{
			"trigger": req.trigger.String(),
		})
		return apperrors.New(apperrors.ErrNoNetwork, "cannot sync while disconnected")
	}
	if !req.forced && !state.lastAttempt.IsZero() && o.now().Sub(state.lastAttempt) < o.minInterval {
		logging.Debug("Sync throttled", map[string]interface{}{
			"trigger":     req.trigger.String(),
			"interval_ms": o.minInterval.Milliseconds(),
		})
		return apperrors.New(apperrors.ErrSyncThrottled,
			fmt.Sprintf("last attempt less than %s ago", o.minInterval))
	}
	return nil
}

func (o *Orchestrator) runCycle(req request) (CycleOutcome, error) {
	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()

	logging.Info("Sync triggered", map[string]interface{}{
		"trigger": req.trigger.String(),
		"forced":  req.forced,
	})

	var outcome CycleOutcome
	push, err := o.engine.Push(ctx)
	outcome.Push = push
	if err != nil {
		return outcome, err
	}

	if req.trigger == TriggerPeriodic {
		pull, err := o.engine.PullAll(ctx)
		outcome.Pull = pull
		if err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}
