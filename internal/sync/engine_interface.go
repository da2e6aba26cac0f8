// Package sync pushes the outbox to the remote backend, pulls remote state
// back into the record store, and orchestrates when either happens.
package sync

import (
	"context"
)

// EngineInterface is the work a sync cycle performs. The orchestrator only
// decides when to call it; tests substitute their own.
type EngineInterface interface {
	// Push drains up to one batch window of the outbox.
	Push(ctx context.Context) (*CycleResult, error)

	// PullAll imports the authoritative remote state for every kind.
	PullAll(ctx context.Context) (*PullResult, error)
}

var _ EngineInterface = (*Engine)(nil)
