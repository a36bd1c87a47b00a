// Package projection derives read models from the event stream. A
// projection declares the events it subscribes to, the schema of its
// tables and one reducer per event type; workers stream events past the
// recorded checkpoint and apply reducers transactionally, tracking
// failures for retry.
package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
)

// Reducer applies one event to the projection's tables inside the given
// transaction. Reducers must be idempotent upserts keyed by the event's
// identifying fields: events are delivered at-least-once.
type Reducer func(ctx context.Context, tx *sql.Tx, event *domain.Event) error

// Projection is a named, typed handler bundle.
type Projection interface {
	// Name uniquely identifies the projection; it keys checkpoints,
	// locks and failed events.
	Name() string

	// Subscription returns the event filter this projection consumes.
	// Workers add instance and position bounds per tick.
	Subscription() *eventstore.SearchQueryBuilder

	// Init ensures the projection's tables and indexes exist.
	Init(ctx context.Context, db *sql.DB) error

	// Reducers maps subscribed event types to their reducer. Events
	// without a reducer are counted as processed.
	Reducers() map[domain.EventType]Reducer

	// Reset deletes the projection's rows for one instance inside the
	// given transaction, as part of an operator-initiated rebuild.
	Reset(ctx context.Context, tx *sql.Tx, instanceID string) error
}

// Checkpoint records how far a projection has processed one instance's
// events.
type Checkpoint struct {
	ProjectionName string
	InstanceID     string
	Position       domain.Position
	UpdatedAt      time.Time
}

// Resolution values recorded on failed events.
const (
	// ResolutionSkipped marks an event an operator decided to skip
	// permanently. The record is kept as the audit trail.
	ResolutionSkipped = "skipped"
)

// FailedEvent records a projection handler failure on one event.
type FailedEvent struct {
	ProjectionName string
	InstanceID     string
	Position       domain.Position
	Sequence       uint64
	AggregateType  domain.AggregateType
	AggregateID    string
	EventType      domain.EventType
	FailureCount   uint64
	LastError      string
	Resolution     string
	FirstFailedAt  time.Time
	LastFailedAt   time.Time
}

// Status values persisted per (projection, instance) for monitoring.
type Status string

const (
	StatusReady      Status = "READY"
	StatusRebuilding Status = "REBUILDING"
	StatusFailed     Status = "FAILED"
	StatusPaused     Status = "PAUSED"
)

// State is the operational state of a projection for one instance.
type State struct {
	ProjectionName string
	InstanceID     string
	Status         Status
	Message        string
	UpdatedAt      time.Time
}

// ResolveAction is the operator decision on a quarantined event.
type ResolveAction int

const (
	// ResolveRetry re-attempts the event with the current handler by
	// clearing its failure count.
	ResolveRetry ResolveAction = iota

	// ResolveSkip marks the event permanently skipped.
	ResolveSkip
)
