// Package scheduler turns outside events into sync triggers: local outbox
// writes, debounced reconnects, app foregrounding and a periodic timer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/nourish/backend/internal/logging"
	syncpkg "github.com/kimhsiao/nourish/backend/internal/sync"
	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
)

// Triggerer receives trigger requests; *syncpkg.Orchestrator implements it.
type Triggerer interface {
	Trigger(t syncpkg.Trigger)
}

// EventSource delivers outbound notifications; *notify.Bus implements it.
type EventSource interface {
	Subscribe(buffer int, names ...notify.Name) (<-chan notify.Notification, func())
}

// ReconnectSource delivers debounced reconnect events; *reachability.Monitor
// implements it.
type ReconnectSource interface {
	Subscribe() (<-chan struct{}, func())
}

// Scheduler forwards events to the orchestrator until stopped.
type Scheduler struct {
	target           Triggerer
	events           EventSource
	reconnects       ReconnectSource
	periodicInterval time.Duration
	stopCh           chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	isRunning        bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	PeriodicInterval time.Duration // push plus full pull (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PeriodicInterval: 5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. events and reconnects may be nil.
func NewScheduler(target Triggerer, events EventSource, reconnects ReconnectSource, config *SchedulerConfig) *Scheduler {
	if config == nil || config.PeriodicInterval <= 0 {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		target:           target,
		events:           events,
		reconnects:       reconnects,
		periodicInterval: config.PeriodicInterval,
		stopCh:           make(chan struct{}),
	}
}

// Start starts forwarding. Calling it twice is a no-op; a stopped
// Scheduler cannot be restarted.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicLoop(ctx)

	if s.events != nil {
		ch, cancel := s.events.Subscribe(1, notify.LocalDataPending)
		s.wg.Add(1)
		go s.localChangeLoop(ctx, ch, cancel)
	}
	if s.reconnects != nil {
		ch, cancel := s.reconnects.Subscribe()
		s.wg.Add(1)
		go s.reconnectLoop(ctx, ch, cancel)
	}

	logging.Info("Sync scheduler started", map[string]interface{}{
		"periodic_interval_ms": s.periodicInterval.Milliseconds(),
	})
}

// Stop stops the scheduler and waits for its goroutines.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// AppDidBecomeActive forwards the app lifecycle "became active" signal.
func (s *Scheduler) AppDidBecomeActive() {
	s.target.Trigger(syncpkg.TriggerForeground)
}

func (s *Scheduler) periodicLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.periodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.target.Trigger(syncpkg.TriggerPeriodic)
		}
	}
}

func (s *Scheduler) localChangeLoop(ctx context.Context, ch <-chan notify.Notification, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			s.target.Trigger(syncpkg.TriggerLocalChange)
		}
	}
}

func (s *Scheduler) reconnectLoop(ctx context.Context, ch <-chan struct{}, cancel func()) {
	defer s.wg.Done()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ch:
			s.target.Trigger(syncpkg.TriggerReconnect)
		}
	}
}
