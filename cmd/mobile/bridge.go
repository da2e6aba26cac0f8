// Package main provides the bridge used by the mobile shells. Every call
// takes and returns JSON strings; the cgo exports in ffi.go are thin
// wrappers over the bridge type defined here.
package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/nourish/backend/internal/config"
	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
	"github.com/kimhsiao/nourish/backend/internal/services"
	"github.com/kimhsiao/nourish/backend/internal/store"
	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
)

// initRequest is the Init payload. Empty fields keep the loaded config.
type initRequest struct {
	ConfigFile string `json:"config_file"`
	DataDir    string `json:"data_dir"`
	UserID     string `json:"user_id"`
	RemoteURL  string `json:"remote_url"`
	Connected  *bool  `json:"connected"`
}

// queryRequest is the Query payload.
type queryRequest struct {
	From   *time.Time `json:"from"`
	To     *time.Time `json:"to"`
	Status string     `json:"status"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// eventView is a notification as delivered to the shell.
type eventView struct {
	Name          string `json:"name"`
	At            int64  `json:"at"`
	Collection    string `json:"collection,omitempty"`
	DocumentID    string `json:"document_id,omitempty"`
	NewFailures   int    `json:"new_failures,omitempty"`
	TotalFailures int    `json:"total_failures,omitempty"`
}

// errorView is returned in place of a result when a call fails.
type errorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// bridge holds the process-wide service. All methods are safe for
// concurrent use from shell threads.
type bridge struct {
	mu     sync.RWMutex
	svc    *services.SyncService
	events <-chan notify.Notification
	unsub  func()
}

func (b *bridge) service() (*services.SyncService, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.svc == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "bridge not initialized")
	}
	return b.svc, nil
}

// open starts the service. A second call while open is an error.
func (b *bridge) open(payload string) error {
	var req initRequest
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "invalid init payload", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc != nil {
		return apperrors.New(apperrors.ErrInvalid, "bridge already initialized")
	}

	cfg, err := config.Load(config.Options{ConfigFile: req.ConfigFile})
	if err != nil {
		return err
	}
	if req.DataDir != "" {
		cfg.DataDir = req.DataDir
	}
	if req.UserID != "" {
		cfg.Remote.UserID = req.UserID
	}
	if req.RemoteURL != "" {
		cfg.Remote.Kind = "http"
		cfg.Remote.URL = req.RemoteURL
	}
	logging.Init(cfg.LogOptions())

	var opts []services.Option
	if req.Connected != nil {
		opts = append(opts, services.WithInitialConnectivity(*req.Connected))
	}
	svc, err := services.New(context.Background(), cfg, opts...)
	if err != nil {
		return err
	}
	b.events, b.unsub = svc.Events().Subscribe(64, notify.SyncCompleted, notify.SyncOperationsFailed)
	svc.Start(context.Background())
	b.svc = svc
	return nil
}

func (b *bridge) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		return nil
	}
	b.unsub()
	err := b.svc.Close()
	b.svc, b.events, b.unsub = nil, nil, nil
	return err
}

// ===== Records =====

func (b *bridge) save(kind, data string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	r, err := svc.SaveJSON(context.Background(), models.Kind(kind), []byte(data))
	if err != nil {
		return "", err
	}
	return encode(map[string]string{"id": r.Meta().ID})
}

func (b *bridge) get(kind, id string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	r, err := svc.Store().Get(context.Background(), models.Kind(kind), id)
	if err != nil {
		return "", err
	}
	return encode(r)
}

func (b *bridge) query(kind, payload string) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	var req queryRequest
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid query payload", err)
		}
	}
	f := store.Filter{Status: models.SyncStatus(req.Status), Limit: req.Limit, Offset: req.Offset}
	if req.From != nil {
		f.From = *req.From
	}
	if req.To != nil {
		f.To = *req.To
	}
	data, err := svc.QueryJSON(context.Background(), models.Kind(kind), f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (b *bridge) delete(kind, id string) error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	return svc.Store().SoftDelete(context.Background(), models.Kind(kind), id)
}

// ===== Sync =====

func (b *bridge) status() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	st, err := svc.Orchestrator().Status(context.Background())
	if err != nil {
		return "", err
	}
	return encode(st)
}

// forceSync runs a cycle and reports its counts. refresh also pulls.
func (b *bridge) forceSync(refresh bool) (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	run := svc.Orchestrator().ForceSync
	if refresh {
		run = svc.Orchestrator().ForceRefresh
	}
	outcome, err := run(context.Background())
	if err != nil {
		return "", err
	}
	out := map[string]int{}
	if p := outcome.Push; p != nil {
		out["pushed"] = p.Pushed
		out["retried"] = p.Retried
		out["dead_lettered"] = p.DeadLettered
		out["total_failed"] = p.TotalFailed
	}
	if outcome.Pull != nil {
		out["imported"] = outcome.Pull.Imported()
	}
	return encode(out)
}

func (b *bridge) setConnected(connected bool) error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	svc.Monitor().SetConnected(connected)
	return nil
}

func (b *bridge) appDidBecomeActive() error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	svc.Scheduler().AppDidBecomeActive()
	return nil
}

func (b *bridge) metrics() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	return encode(svc.Telemetry().Snapshot())
}

// nextEvent waits up to timeout for a sync notification. It returns ""
// when none arrived.
func (b *bridge) nextEvent(timeout time.Duration) (string, error) {
	b.mu.RLock()
	events := b.events
	b.mu.RUnlock()
	if events == nil {
		return "", apperrors.New(apperrors.ErrInvalid, "bridge not initialized")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case n, ok := <-events:
		if !ok {
			return "", nil
		}
		return encode(eventView{
			Name:          string(n.Name),
			At:            n.At.UnixMilli(),
			Collection:    string(n.Collection),
			DocumentID:    n.DocumentID,
			NewFailures:   n.NewFailures,
			TotalFailures: n.TotalFailures,
		})
	case <-timer.C:
		return "", nil
	}
}

// ===== Dead Letters =====

func (b *bridge) failed() (string, error) {
	svc, err := b.service()
	if err != nil {
		return "", err
	}
	failed, err := svc.Outbox().ListFailed(context.Background())
	if err != nil {
		return "", err
	}
	if failed == nil {
		failed = []models.FailedOperation{}
	}
	return encode(failed)
}

func (b *bridge) requeue(failedID string) error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	_, err = svc.Store().Requeue(context.Background(), failedID)
	return err
}

func (b *bridge) discard(failedID string) error {
	svc, err := b.service()
	if err != nil {
		return err
	}
	return svc.Store().DiscardFailed(context.Background(), failedID)
}

// ===== Encoding =====

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode result", err)
	}
	return string(data), nil
}

// errorJSON renders err for GetLastError.
func errorJSON(err error) string {
	if err == nil {
		return ""
	}
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	out, _ := json.Marshal(errorView{Code: string(code), Message: err.Error()})
	return string(out)
}

func main() {
	// Not used when loaded as a shared library.
}
