// Package storage defines the store contracts the rest of the module
// consumes and provides the reference implementations. Every method
// takes a context and may suspend; every failure is an infrastructure
// error distinct from domain errors (callers wrap and surface it, and
// retries are safe because writes are idempotent on their keys).
// Implementations return value copies — no live aliasing of store
// internals survives across a call boundary.
package storage

import (
	"context"

	"github.com/relves/spaces/pkg/auth"
	"github.com/relves/spaces/pkg/keys"
	"github.com/relves/spaces/pkg/types"
)

// RosterStore persists the derived global roster view.
type RosterStore interface {
	Roster(ctx context.Context) (auth.RosterView, error)
	SetRoster(ctx context.Context, view auth.RosterView) error
}

// SpaceStore persists derived per-space views.
type SpaceStore interface {
	// Space returns the stored view, or nil when unknown.
	Space(ctx context.Context, id types.SpaceID) (*auth.SpaceView, error)
	HasSpace(ctx context.Context, id types.SpaceID) (bool, error)
	SpaceIDs(ctx context.Context) ([]types.SpaceID, error)
	SetSpace(ctx context.Context, id types.SpaceID, view auth.SpaceView) error
}

// OperationStore is the content-addressed causal store. Operations are
// append-only: SetOperation with an existing ID is a no-op, and applied
// operations are never mutated or deleted (audit history is retained
// even for revoked actors and permission-rejected operations).
type OperationStore interface {
	// Operation returns the stored operation, or nil when absent.
	Operation(ctx context.Context, id types.OperationID) (*types.Operation, error)
	SetOperation(ctx context.Context, id types.OperationID, op *types.Operation) error
}

// OperationLister is the optional replay contract: stores that can
// enumerate their operations support rehydrating a replica's in-memory
// state after a restart. Order is not significant; causal ordering is
// re-established during replay.
type OperationLister interface {
	Operations(ctx context.Context) ([]*types.Operation, error)
}

// Store is the full set of contracts a replica needs. The key registry
// and secret contracts are defined by their consumer, pkg/keys.
type Store interface {
	RosterStore
	SpaceStore
	OperationStore
	keys.RegistryStore
	keys.SecretStore
}
