// Package remote is the boundary to the authoritative backend: the Gateway
// contract the sync engine pushes and pulls through, the authentication
// collaborator, and the gateway implementations (in-memory, HTTP, Redis)
// together with the HTTP server that fronts a Backend.
package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// Document is a record as stored by the backend.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
	// ServerTS is the backend's own write time in unix millis.
	ServerTS int64 `json:"server_ts"`
	// ClientTS is the local write time of the operation that produced Data.
	ClientTS int64 `json:"client_ts,omitempty"`
	// OccurredAt is the record's domain time, used by ListRange.
	OccurredAt int64 `json:"occurred_at,omitempty"`
}

// TransactFunc receives the current document (nil when absent) and returns
// the document to write, or nil to leave the record unchanged. It may run
// more than once when a gateway retries an optimistic transaction, so it
// must not have side effects.
type TransactFunc func(current *Document) (*Document, error)

// Gateway is the per-collection document store of one backend, keyed by
// (userID, collection, documentID).
type Gateway interface {
	// Transact performs an atomic read-compare-write of one document and
	// returns the stored document afterwards. The backend assigns ServerTS.
	Transact(ctx context.Context, userID string, collection models.Kind, id string, fn TransactFunc) (*Document, error)
	// Delete removes a document; deleting a missing document succeeds.
	Delete(ctx context.Context, userID string, collection models.Kind, id string) error
	// ListRange returns documents whose OccurredAt is at or after since
	// (unix millis); since 0 returns the whole collection.
	ListRange(ctx context.Context, userID string, collection models.Kind, since int64) ([]Document, error)
}

// AnyVersion makes CompareAndPut unconditional.
const AnyVersion int64 = -1

// ErrPrecondition is returned by CompareAndPut when the stored version does
// not match the expected one.
var ErrPrecondition = stderrors.New("remote: document version changed")

// Backend is the storage served by Server. expected is the ServerTS the
// caller read, 0 when it read no document, or AnyVersion.
type Backend interface {
	Get(ctx context.Context, userID string, collection models.Kind, id string) (*Document, error)
	CompareAndPut(ctx context.Context, userID string, collection models.Kind, id string, expected int64, doc Document) (*Document, error)
	Delete(ctx context.Context, userID string, collection models.Kind, id string) error
	ListRange(ctx context.Context, userID string, collection models.Kind, since int64) ([]Document, error)
}

// AuthProvider supplies the signed-in user.
type AuthProvider interface {
	// UserID returns the current user or a NOT_AUTHENTICATED error.
	UserID(ctx context.Context) (string, error)
}

// Pinger is implemented by gateways that can cheaply check reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StaticAuth is an AuthProvider for a fixed user id; empty means signed out.
type StaticAuth string

// UserID implements AuthProvider.
func (s StaticAuth) UserID(context.Context) (string, error) {
	if s == "" {
		return "", apperrors.New(apperrors.ErrNotAuthenticated, "no signed-in user")
	}
	return string(s), nil
}

// nextServerTS keeps server timestamps strictly increasing per document.
func nextServerTS(now int64, current *Document) int64 {
	if current != nil && now <= current.ServerTS {
		return current.ServerTS + 1
	}
	return now
}

func checkCollection(collection models.Kind) error {
	if !models.IsKnown(collection) {
		return apperrors.New(apperrors.ErrUnknownCollection, "unknown collection "+string(collection))
	}
	return nil
}
