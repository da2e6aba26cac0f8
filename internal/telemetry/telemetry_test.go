// Package telemetry tests verify notification counting.
package telemetry

import (
	"testing"
	"time"

	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
)

func waitFor(t *testing.T, c *Collector, cond func(Counters) bool) Counters {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := c.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("counters never reached expected state: %+v", snap)
		}
		time.Sleep(time.Millisecond)
	}
}

// TestCollector_counts verifies each notification kind is counted.
func TestCollector_counts(t *testing.T) {
	bus := notify.NewBus()
	c := NewCollector(bus)
	defer c.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(notify.Notification{Name: notify.LocalDataPending})
	bus.Publish(notify.Notification{Name: notify.LocalDataPending})
	bus.Publish(notify.Notification{Name: notify.SyncOperationsFailed, NewFailures: 2, TotalFailures: 3})
	bus.Publish(notify.Notification{Name: notify.SyncCompleted, At: at, NewFailures: 2, TotalFailures: 3})

	snap := waitFor(t, c, func(s Counters) bool { return s.CyclesCompleted == 1 })
	if snap.LocalChanges != 2 {
		t.Errorf("LocalChanges = %d, want 2", snap.LocalChanges)
	}
	if snap.DeadLettered != 2 {
		t.Errorf("DeadLettered = %d, want 2", snap.DeadLettered)
	}
	if snap.FailedBacklog != 3 {
		t.Errorf("FailedBacklog = %d, want 3", snap.FailedBacklog)
	}
	if !snap.LastCycleAt.Equal(at) {
		t.Errorf("LastCycleAt = %v, want %v", snap.LastCycleAt, at)
	}
}

// TestCollector_close verifies Close is idempotent and stops counting.
func TestCollector_close(t *testing.T) {
	bus := notify.NewBus()
	c := NewCollector(bus)

	bus.Publish(notify.Notification{Name: notify.LocalDataPending})
	waitFor(t, c, func(s Counters) bool { return s.LocalChanges == 1 })

	c.Close()
	c.Close()

	bus.Publish(notify.Notification{Name: notify.LocalDataPending})
	if got := c.Snapshot().LocalChanges; got != 1 {
		t.Errorf("LocalChanges after Close = %d, want 1", got)
	}
}
