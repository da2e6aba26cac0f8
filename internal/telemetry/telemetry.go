// Package telemetry keeps in-process counters of sync activity for
// diagnostics screens. Nothing is transmitted anywhere: the counters live
// in memory and are read through Snapshot.
package telemetry

import (
	"sync"
	"time"

	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/sync/notify"
)

// EventSource delivers sync notifications; *notify.Bus implements it.
type EventSource interface {
	Subscribe(buffer int, names ...notify.Name) (<-chan notify.Notification, func())
}

// Counters is a point-in-time copy of the collected values.
type Counters struct {
	LocalChanges    int64     `json:"local_changes" yaml:"local_changes"`
	CyclesCompleted int64     `json:"cycles_completed" yaml:"cycles_completed"`
	DeadLettered    int64     `json:"dead_lettered" yaml:"dead_lettered"`
	FailedBacklog   int       `json:"failed_backlog" yaml:"failed_backlog"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitempty" yaml:"last_cycle_at,omitempty"`
}

// Collector counts notifications until closed.
type Collector struct {
	mu       sync.RWMutex
	counters Counters

	cancel    func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewCollector subscribes to every notification from source.
func NewCollector(source EventSource) *Collector {
	ch, cancel := source.Subscribe(256)
	c := &Collector{cancel: cancel, done: make(chan struct{})}
	go c.run(ch)
	return c
}

func (c *Collector) run(ch <-chan notify.Notification) {
	defer close(c.done)
	for n := range ch {
		c.record(n)
	}
}

func (c *Collector) record(n notify.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch n.Name {
	case notify.LocalDataPending:
		c.counters.LocalChanges++
	case notify.SyncCompleted:
		c.counters.CyclesCompleted++
		c.counters.FailedBacklog = n.TotalFailures
		c.counters.LastCycleAt = n.At
	case notify.SyncOperationsFailed:
		c.counters.DeadLettered += int64(n.NewFailures)
		c.counters.FailedBacklog = n.TotalFailures
	}
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Counters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters
}

// Close stops collecting and logs the final counters.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done

		snap := c.Snapshot()
		logging.Debug("Sync telemetry", map[string]interface{}{
			"local_changes":    snap.LocalChanges,
			"cycles_completed": snap.CyclesCompleted,
			"dead_lettered":    snap.DeadLettered,
		})
	})
}
