// Package storage declares the persistence contracts of the ledger runtime.
// Every mutating call that changes a request's lifecycle also appends the
// matching event-log entry in the same atomic step.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/confidential_layer/internal/app/domain/computation"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrExists   = errors.New("storage: already exists")
	// ErrConflict is returned when a compare-and-set on request status loses.
	ErrConflict = errors.New("storage: status conflict")
)

// DefinitionStore persists computation definitions. Entries are immutable.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def computation.Definition, entry computation.LogEntry) (computation.Definition, computation.LogEntry, error)
	GetDefinition(ctx context.Context, offset uint32) (computation.Definition, error)
	ListDefinitions(ctx context.Context) ([]computation.Definition, error)
}

// ComputationFilter narrows ListComputations.
type ComputationFilter struct {
	Statuses []computation.Status
	// Forwarded, when set, matches only requests with that relay state.
	Forwarded *bool
	// ResolvedBefore, when non-zero, matches requests resolved earlier.
	ResolvedBefore time.Time
	Limit          int
}

// ComputationStore persists request slots keyed by request id.
type ComputationStore interface {
	CreateComputation(ctx context.Context, req computation.Request, entry computation.LogEntry) (computation.Request, computation.LogEntry, error)
	GetComputation(ctx context.Context, id uint64) (computation.Request, error)
	ListComputations(ctx context.Context, filter ComputationFilter) ([]computation.Request, error)
	// RecordRelay updates the relay bookkeeping of a queued request.
	RecordRelay(ctx context.Context, id uint64, forwarded bool, attempts int, at time.Time) error
	// ResolveComputation moves a queued request to req.Status and appends
	// entry. It fails with ErrConflict if the request is no longer queued.
	ResolveComputation(ctx context.Context, req computation.Request, entry computation.LogEntry) (computation.Request, computation.LogEntry, error)
	DeleteComputation(ctx context.Context, id uint64) error
}

// EventStore is the append-only event log.
type EventStore interface {
	AppendEvent(ctx context.Context, entry computation.LogEntry) (computation.LogEntry, error)
	ListEvents(ctx context.Context, after uint64, limit int) ([]computation.LogEntry, error)
}

// ClusterStore persists the single registered cluster configuration.
type ClusterStore interface {
	PutClusterConfig(ctx context.Context, cfg computation.ClusterConfig) (computation.ClusterConfig, error)
	GetClusterConfig(ctx context.Context) (computation.ClusterConfig, error)
}

// Store is the full set of contracts a ledger runtime needs.
type Store interface {
	DefinitionStore
	ComputationStore
	EventStore
	ClusterStore
}

// DefaultEventPage bounds ListEvents when no limit is given.
const DefaultEventPage = 100

// PageSize clamps a caller-supplied limit.
func PageSize(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultEventPage
	}
	return limit
}
