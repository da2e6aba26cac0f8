package remote

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// FaultFunc lets tests fail gateway calls. op is "transact", "delete" or "list".
type FaultFunc func(op string, collection models.Kind, id string) error

// MemoryGateway is an in-process backend used by tests, the CLI's memory
// mode and the development server.
type MemoryGateway struct {
	mu   sync.Mutex
	docs map[string]map[models.Kind]map[string]Document

	now     func() time.Time
	latency time.Duration

	faultMu sync.RWMutex
	fault   FaultFunc

	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

// MemoryOption configures a MemoryGateway.
type MemoryOption func(*MemoryGateway)

// WithServerClock sets the clock used for server timestamps.
func WithServerClock(now func() time.Time) MemoryOption {
	return func(g *MemoryGateway) { g.now = now }
}

// WithLatency delays every call, so concurrent calls overlap observably.
func WithLatency(d time.Duration) MemoryOption {
	return func(g *MemoryGateway) { g.latency = d }
}

// NewMemoryGateway creates an empty in-memory backend.
func NewMemoryGateway(opts ...MemoryOption) *MemoryGateway {
	g := &MemoryGateway{
		docs: make(map[string]map[models.Kind]map[string]Document),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetFault installs (or with nil clears) a fault injector.
func (g *MemoryGateway) SetFault(f FaultFunc) {
	g.faultMu.Lock()
	g.fault = f
	g.faultMu.Unlock()
}

// PeakInFlight reports the largest number of calls observed running at once.
func (g *MemoryGateway) PeakInFlight() int {
	return int(g.peak.Load())
}

// Calls reports how many calls were made.
func (g *MemoryGateway) Calls() int {
	return int(g.calls.Load())
}

// enter tracks concurrency, applies latency and the fault injector.
func (g *MemoryGateway) enter(ctx context.Context, op string, collection models.Kind, id string) (func(), error) {
	g.calls.Add(1)
	n := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	leave := func() { g.inFlight.Add(-1) }

	if g.latency > 0 {
		timer := time.NewTimer(g.latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			leave()
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		leave()
		return nil, err
	}

	g.faultMu.RLock()
	fault := g.fault
	g.faultMu.RUnlock()
	if fault != nil {
		if err := fault(op, collection, id); err != nil {
			leave()
			return nil, err
		}
	}
	if err := checkCollection(collection); err != nil {
		leave()
		return nil, err
	}
	return leave, nil
}

func (g *MemoryGateway) collection(userID string, collection models.Kind) map[string]Document {
	byKind, ok := g.docs[userID]
	if !ok {
		byKind = make(map[models.Kind]map[string]Document)
		g.docs[userID] = byKind
	}
	docs, ok := byKind[collection]
	if !ok {
		docs = make(map[string]Document)
		byKind[collection] = docs
	}
	return docs
}

func (g *MemoryGateway) lookup(userID string, collection models.Kind, id string) *Document {
	doc, ok := g.collection(userID, collection)[id]
	if !ok {
		return nil
	}
	return &doc
}

func (g *MemoryGateway) store(userID string, collection models.Kind, id string, current *Document, next Document) *Document {
	next.ID = id
	next.ServerTS = nextServerTS(g.now().UnixMilli(), current)
	g.collection(userID, collection)[id] = next
	return &next
}

// ===== Gateway =====

// Transact implements Gateway under the gateway lock.
func (g *MemoryGateway) Transact(ctx context.Context, userID string, collection models.Kind, id string, fn TransactFunc) (*Document, error) {
	leave, err := g.enter(ctx, "transact", collection, id)
	if err != nil {
		return nil, err
	}
	defer leave()

	g.mu.Lock()
	defer g.mu.Unlock()

	current := g.lookup(userID, collection, id)
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	return g.store(userID, collection, id, current, *next), nil
}

// Delete implements Gateway.
func (g *MemoryGateway) Delete(ctx context.Context, userID string, collection models.Kind, id string) error {
	leave, err := g.enter(ctx, "delete", collection, id)
	if err != nil {
		return err
	}
	defer leave()

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.collection(userID, collection), id)
	return nil
}

// ListRange implements Gateway. Results are ordered by OccurredAt then id.
func (g *MemoryGateway) ListRange(ctx context.Context, userID string, collection models.Kind, since int64) ([]Document, error) {
	leave, err := g.enter(ctx, "list", collection, "")
	if err != nil {
		return nil, err
	}
	defer leave()

	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Document
	for _, doc := range g.collection(userID, collection) {
		if since > 0 && doc.OccurredAt < since {
			continue
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurredAt != out[j].OccurredAt {
			return out[i].OccurredAt < out[j].OccurredAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ===== Backend =====

// Get implements Backend.
func (g *MemoryGateway) Get(ctx context.Context, userID string, collection models.Kind, id string) (*Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lookup(userID, collection, id), nil
}

// CompareAndPut implements Backend.
func (g *MemoryGateway) CompareAndPut(ctx context.Context, userID string, collection models.Kind, id string, expected int64, doc Document) (*Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	current := g.lookup(userID, collection, id)
	if expected != AnyVersion {
		switch {
		case expected == 0 && current != nil:
			return nil, ErrPrecondition
		case expected > 0 && (current == nil || current.ServerTS != expected):
			return nil, ErrPrecondition
		}
	}
	return g.store(userID, collection, id, current, doc), nil
}

// Put stores doc unconditionally, bypassing latency and faults. It seeds
// state written by other clients.
func (g *MemoryGateway) Put(userID string, collection models.Kind, doc Document) *Document {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.store(userID, collection, doc.ID, g.lookup(userID, collection, doc.ID), doc)
}

// Lookup returns a stored document without latency or faults.
func (g *MemoryGateway) Lookup(userID string, collection models.Kind, id string) (*Document, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	doc := g.lookup(userID, collection, id)
	return doc, doc != nil
}

// Len returns the number of documents stored for a user's collection.
func (g *MemoryGateway) Len(userID string, collection models.Kind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.collection(userID, collection))
}

var _ Gateway = (*MemoryGateway)(nil)
var _ Backend = (*MemoryGateway)(nil)

// errUnavailable is returned by faults simulating an unreachable backend.
var errUnavailable = apperrors.New(apperrors.ErrNoNetwork, "backend unreachable")

// Unavailable is a FaultFunc that fails every call with NO_NETWORK.
func Unavailable(string, models.Kind, string) error {
	return errUnavailable
}
