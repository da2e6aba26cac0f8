// Package scheduler tests for sync trigger scheduling.
package scheduler

import (
	"context"
	"testing"
	"time"

	syncpkg "github.com/kimhsiao/nourish/backend/internal/sync"
	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
	"github.com/kimhsiao/nourish/backend/internal/sync/reachability"
)

// =====================================================
// Test Helpers
// =====================================================

type recorder struct {
	ch chan syncpkg.Trigger
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan syncpkg.Trigger, 64)}
}

func (r *recorder) Trigger(t syncpkg.Trigger) {
	r.ch <- t
}

func (r *recorder) expect(t *testing.T, want syncpkg.Trigger) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("trigger %s not received", want)
		}
	}
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()
	if config.PeriodicInterval != 5*time.Minute {
		t.Errorf("PeriodicInterval = %v, want 5m", config.PeriodicInterval)
	}
}

// TestNewScheduler_nilConfig verifies defaults are applied.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(newRecorder(), nil, nil, nil)
	if s.periodicInterval != 5*time.Minute {
		t.Errorf("periodicInterval = %v, want 5m", s.periodicInterval)
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// =====================================================
// Trigger Forwarding Tests
// =====================================================

// TestScheduler_periodic verifies the timer fires periodic triggers.
func TestScheduler_periodic(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(rec, nil, nil, &SchedulerConfig{PeriodicInterval: 20 * time.Millisecond})
	s.Start(context.Background())
	defer s.Stop()

	rec.expect(t, syncpkg.TriggerPeriodic)
}

// TestScheduler_localChange verifies outbox notifications become triggers.
func TestScheduler_localChange(t *testing.T) {
	rec := newRecorder()
	bus := notify.NewBus()
	s := NewScheduler(rec, bus, nil, &SchedulerConfig{PeriodicInterval: time.Hour})
	s.Start(context.Background())
	defer s.Stop()

	bus.Publish(notify.Notification{Name: notify.SyncCompleted})
	bus.Publish(notify.Notification{Name: notify.LocalDataPending})
	rec.expect(t, syncpkg.TriggerLocalChange)
}

// TestScheduler_reconnect verifies debounced reconnects become triggers.
func TestScheduler_reconnect(t *testing.T) {
	rec := newRecorder()
	monitor := reachability.NewMonitor(false, 10*time.Millisecond)
	defer monitor.Close()

	s := NewScheduler(rec, nil, monitor, &SchedulerConfig{PeriodicInterval: time.Hour})
	s.Start(context.Background())
	defer s.Stop()

	monitor.SetConnected(true)
	rec.expect(t, syncpkg.TriggerReconnect)
}

// TestScheduler_foreground verifies the lifecycle hook.
func TestScheduler_foreground(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(rec, nil, nil, nil)
	s.AppDidBecomeActive()
	rec.expect(t, syncpkg.TriggerForeground)
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_startStop verifies idempotent start and stop.
func TestScheduler_startStop(t *testing.T) {
	bus := notify.NewBus()
	s := NewScheduler(newRecorder(), bus, nil, &SchedulerConfig{PeriodicInterval: time.Hour})

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("scheduler should be running")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}

	// The subscription was cancelled, so publishing must not block or panic.
	bus.Publish(notify.Notification{Name: notify.LocalDataPending})
}

// TestScheduler_contextCancel verifies loops exit with the context.
func TestScheduler_contextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(newRecorder(), notify.NewBus(), nil, &SchedulerConfig{PeriodicInterval: time.Hour})
	s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after context cancel")
	}
}
