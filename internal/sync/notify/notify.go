// Package notify delivers the sync engine's outbound notifications to
// in-process subscribers (the orchestrator, UI badges, the mobile bridge).
package notify

import (
	"sync"
	"time"

	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// Name identifies a notification.
type Name string

const (
	// LocalDataPending fires after every committed outbox enqueue.
	LocalDataPending Name = "local_data_pending"
	// SyncCompleted fires at the end of every sync cycle that ran.
	SyncCompleted Name = "sync_completed"
	// SyncOperationsFailed fires when a cycle dead-lettered at least one operation.
	SyncOperationsFailed Name = "sync_operations_failed"
)

// Notification is a single event. Fields not meaningful for Name are zero.
type Notification struct {
	Name        Name
	At          time.Time
	Collection  models.Kind
	DocumentID  string
	OperationID string
	// NewFailures counts operations dead-lettered by the cycle that posted it.
	NewFailures int
	// TotalFailures is the dead-letter set size after the cycle.
	TotalFailures int
}

// Publisher is implemented by anything that can post notifications.
type Publisher interface {
	Publish(n Notification)
}

type subscriber struct {
	ch    chan Notification
	names map[Name]bool
}

// Bus fans notifications out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the notification.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe returns a channel receiving notifications with one of names (all
// notifications when names is empty) and a function that cancels the
// subscription and closes the channel.
func (b *Bus) Subscribe(buffer int, names ...Name) (<-chan Notification, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Notification, buffer)}
	if len(names) > 0 {
		sub.names = make(map[Name]bool, len(names))
		for _, n := range names {
			sub.names[n] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish delivers n to every interested subscriber.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.names != nil && !sub.names[n.Name] {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			logging.Debug("Notification dropped for slow subscriber", map[string]interface{}{
				"notification": string(n.Name),
			})
		}
	}
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Notification) {}
