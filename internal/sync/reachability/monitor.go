// Package reachability tracks network connectivity and emits a debounced
// "reconnected" signal so a flapping link does not cause sync storms.
package reachability

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/nourish/backend/internal/logging"
)

// DefaultDebounce is how long connectivity must hold before a reconnect fires.
const DefaultDebounce = 500 * time.Millisecond

// Monitor holds the connected flag fed by the platform's path monitor.
type Monitor struct {
	mu         sync.Mutex
	connected  bool
	debounce   time.Duration
	pending    *time.Timer
	generation uint64
	subs       map[int]chan struct{}
	nextSub    int
	reconnects int
	closed     bool
}

// NewMonitor creates a Monitor with the initial connectivity state. A
// non-positive debounce uses DefaultDebounce.
func NewMonitor(connected bool, debounce time.Duration) *Monitor {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Monitor{
		connected: connected,
		debounce:  debounce,
		subs:      make(map[int]chan struct{}),
	}
}

// IsConnected reports the current connectivity.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Reconnects reports how many debounced reconnect events have fired.
func (m *Monitor) Reconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects
}

// Subscribe returns a channel that receives one value per reconnect event.
// Undelivered events coalesce. The returned func unsubscribes.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// SetConnected records a path change. A disconnected→connected transition
// (re)starts the debounce timer; any other change cancels it.
func (m *Monitor) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || connected == m.connected {
		return
	}
	m.connected = connected
	m.cancelPendingLocked()

	logging.Info("Connectivity changed", map[string]interface{}{
		"connected": connected,
	})

	if !connected {
		return
	}

	gen := m.generation
	m.pending = time.AfterFunc(m.debounce, func() {
		m.fire(gen)
	})
}

func (m *Monitor) cancelPendingLocked() {
	m.generation++
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
	}
}

func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A flap after the timer was armed bumps the generation; a stale timer
	// whose Stop lost the race must not fire.
	if gen != m.generation || !m.connected || m.closed {
		return
	}
	m.pending = nil
	m.reconnects++

	logging.Info("Reconnected", map[string]interface{}{
		"debounce_ms": m.debounce.Milliseconds(),
	})

	for _, ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close cancels any pending reconnect and stops further events.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancelPendingLocked()
}

// ProbeFunc reports whether the backend is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// Poll feeds the monitor from probe every interval until ctx is done. It is
// the path-monitor substitute on hosts without a platform primitive.
func (m *Monitor) Poll(ctx context.Context, interval time.Duration, probe ProbeFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.SetConnected(probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
