// Package services wires the local store, the outbox and the sync machinery
// into one process-wide SyncService shared by the CLI and the mobile bridge.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/nourish/backend/internal/config"
	"github.com/kimhsiao/nourish/backend/internal/db"
	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
	"github.com/kimhsiao/nourish/backend/internal/store"
	syncpkg "github.com/kimhsiao/nourish/backend/internal/sync"
	"github.com/kimhsiao/nourish/backend/internal/sync/conflict"
	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
	"github.com/kimhsiao/nourish/backend/internal/sync/queue"
	"github.com/kimhsiao/nourish/backend/internal/sync/reachability"
	"github.com/kimhsiao/nourish/backend/internal/sync/remote"
	"github.com/kimhsiao/nourish/backend/internal/sync/scheduler"
	"github.com/kimhsiao/nourish/backend/internal/telemetry"
	"github.com/kimhsiao/nourish/backend/internal/uuid"
)

// DefaultProbeInterval is how often a pingable gateway is probed once the
// service is started.
const DefaultProbeInterval = 15 * time.Second

// SyncService owns every sync component for one data directory.
type SyncService struct {
	cfg          *config.Config
	db           *db.DB
	bus          *notify.Bus
	outbox       *queue.Outbox
	store        *store.Store
	gateway      remote.Gateway
	monitor      *reachability.Monitor
	engine       *syncpkg.Engine
	orchestrator *syncpkg.Orchestrator
	scheduler    *scheduler.Scheduler
	telemetry    *telemetry.Collector

	probeInterval time.Duration
	closers       []func() error

	mu         sync.Mutex
	started    bool
	cancelPoll context.CancelFunc
	pollDone   chan struct{}
}

type options struct {
	gateway       remote.Gateway
	auth          remote.AuthProvider
	connected     bool
	probeInterval time.Duration
}

// Option configures New.
type Option func(*options)

// WithGateway bypasses the gateway selected by remote.kind.
func WithGateway(g remote.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithAuth overrides the static remote.user_id provider.
func WithAuth(a remote.AuthProvider) Option {
	return func(o *options) { o.auth = a }
}

// WithInitialConnectivity sets the monitor's starting state (default true).
func WithInitialConnectivity(connected bool) Option {
	return func(o *options) { o.connected = connected }
}

// WithProbeInterval sets how often a pingable gateway is probed.
func WithProbeInterval(d time.Duration) Option {
	return func(o *options) { o.probeInterval = d }
}

// New opens the database in cfg.DataDir and assembles the sync stack. The
// scheduler is not running until Start is called.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*SyncService, error) {
	o := options{connected: true, probeInterval: DefaultProbeInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.auth == nil {
		o.auth = remote.StaticAuth(cfg.Remote.UserID)
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s := &SyncService{
		cfg:           cfg,
		db:            database,
		bus:           notify.NewBus(),
		probeInterval: o.probeInterval,
	}
	s.closers = append(s.closers, database.Close)

	s.gateway = o.gateway
	if s.gateway == nil {
		s.gateway, err = s.openGateway(ctx)
		if err != nil {
			s.closeAll()
			return nil, err
		}
	}

	s.telemetry = telemetry.NewCollector(s.bus)
	s.outbox = queue.New(database, queue.WithPublisher(s.bus))
	s.store = store.New(database, s.outbox)
	s.monitor = reachability.NewMonitor(o.connected, cfg.Sync.ReconnectDebounce)

	s.engine = syncpkg.NewEngine(s.store, s.gateway, o.auth, &syncpkg.EngineConfig{
		MaxRetries:        cfg.Sync.MaxRetries,
		BatchSize:         cfg.Sync.BatchSize,
		PendingLimit:      cfg.Sync.PendingLimit,
		PushTimeout:       cfg.Sync.PushTimeout,
		PullWindow:        cfg.Sync.PullWindow(),
		FastFailPermanent: cfg.Sync.FastFailPermanent,
	},
		syncpkg.WithResolver(conflict.NewResolver(cfg.Sync.ConflictTolerance)),
		syncpkg.WithEvents(s.bus),
		syncpkg.WithConnectivity(s.monitor),
	)
	s.orchestrator = syncpkg.NewOrchestrator(s.engine, s.outbox, s.monitor,
		syncpkg.WithMinInterval(cfg.Sync.MinInterval))
	s.scheduler = scheduler.NewScheduler(s.orchestrator, s.bus, s.monitor, &scheduler.SchedulerConfig{
		PeriodicInterval: cfg.Sync.PeriodicInterval,
	})

	logging.Info("Sync service ready", map[string]interface{}{
		"data_dir": cfg.DataDir,
		"remote":   cfg.Remote.Kind,
	})
	return s, nil
}

func (s *SyncService) openGateway(ctx context.Context) (remote.Gateway, error) {
	switch s.cfg.Remote.Kind {
	case "http":
		return remote.NewHTTPGateway(s.cfg.Remote.URL, &http.Client{Timeout: s.cfg.Sync.PushTimeout}), nil
	case "redis":
		client, err := remote.DialRedis(ctx, s.cfg.Remote.RedisAddr)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, client.Close)
		return remote.NewRedisGateway(client, s.cfg.Remote.RedisPrefix), nil
	case "memory", "":
		return remote.NewMemoryGateway(), nil
	}
	return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown remote kind %q", s.cfg.Remote.Kind))
}

// Start runs the scheduler and, for gateways that support it, a
// reachability probe. It is a no-op when already started.
func (s *SyncService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	if pinger, ok := s.gateway.(remote.Pinger); ok {
		pollCtx, cancel := context.WithCancel(ctx)
		s.cancelPoll = cancel
		s.pollDone = make(chan struct{})
		go func() {
			defer close(s.pollDone)
			s.monitor.Poll(pollCtx, s.probeInterval, func(ctx context.Context) bool {
				probeCtx, cancel := context.WithTimeout(ctx, s.probeInterval)
				defer cancel()
				return pinger.Ping(probeCtx) == nil
			})
		}()
	}
	s.scheduler.Start(ctx)
}

// Close stops the scheduler, the orchestrator and the probe, then closes
// the database and any backend client.
func (s *SyncService) Close() error {
	s.mu.Lock()
	if s.cancelPoll != nil {
		s.cancelPoll()
		<-s.pollDone
		s.cancelPoll = nil
	}
	s.mu.Unlock()

	s.scheduler.Stop()
	s.orchestrator.Close()
	s.monitor.Close()
	s.telemetry.Close()
	return s.closeAll()
}

func (s *SyncService) closeAll() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// ===== Accessors =====

func (s *SyncService) Store() *store.Store { return s.store }

func (s *SyncService) Outbox() *queue.Outbox { return s.outbox }

func (s *SyncService) Orchestrator() *syncpkg.Orchestrator { return s.orchestrator }

func (s *SyncService) Monitor() *reachability.Monitor { return s.monitor }

func (s *SyncService) Events() *notify.Bus { return s.bus }

func (s *SyncService) Gateway() remote.Gateway { return s.gateway }

func (s *SyncService) Config() *config.Config { return s.cfg }

func (s *SyncService) Scheduler() *scheduler.Scheduler { return s.scheduler }

func (s *SyncService) Telemetry() *telemetry.Collector { return s.telemetry }

// ===== JSON Entry Points =====

// SaveJSON decodes data as a record of kind, assigns an id when it has
// none and saves it.
func (s *SyncService) SaveJSON(ctx context.Context, kind models.Kind, data []byte) (models.Record, error) {
	r, err := models.DecodeRecord(kind, data)
	if err != nil {
		return nil, err
	}
	if r.Meta().ID == "" {
		r.Meta().ID = uuid.New()
	}
	if err := s.store.Save(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// QueryJSON runs a store query and encodes the visible records as a JSON array.
func (s *SyncService) QueryJSON(ctx context.Context, kind models.Kind, f store.Filter) ([]byte, error) {
	records, err := s.store.Query(ctx, kind, f)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode records", err)
	}
	return data, nil
}
