// Package eventstore defines the append-only log the whole system is built
// on. Implementations must guarantee a strictly monotonic global position
// matching commit order, a gapless per-aggregate sequence, and atomicity of
// events and unique constraint operations within one push.
package eventstore

import (
	"context"

	"github.com/plaenen/iamcore/pkg/domain"
)

// Command describes one event to be appended, before the store assigns
// position, sequence and creation time.
type Command struct {
	// Type is the dotted event type name.
	Type domain.EventType

	// Payload is marshalled to JSON; nil means no body.
	Payload any

	// Constraints are reserved/released atomically with the event.
	Constraints []*domain.UniqueConstraint
}

// Write groups the commands of one aggregate within a push.
type Write struct {
	// Aggregate targets the stream to append to.
	Aggregate domain.Aggregate

	// Editor produced the events.
	Editor domain.Editor

	// ExpectedSequence is the aggregate's sequence the writer based its
	// decision on. When set, a mismatch with the stored sequence fails
	// the push with domain.ErrConcurrencyConflict. When nil the append
	// is unconditional.
	ExpectedSequence *uint64

	// Events are appended in the given order.
	Events []*Command
}

// StreamRequest configures Stream.
type StreamRequest struct {
	// Query filters the streamed events; its position bound is the
	// exclusive lower bound to resume from.
	Query *SearchQueryBuilder

	// Follow keeps the stream open and yields newly appended events.
	// When false the stream ends once it caught up with the log.
	Follow bool
}

// EventStore is the append-only event log.
type EventStore interface {
	// Push appends all writes in a single transaction. On success it
	// returns the appended events with their assigned positions and
	// sequences, in push order. On any failure nothing is appended.
	Push(ctx context.Context, commandID string, writes ...*Write) ([]*domain.Event, error)

	// Filter returns the events matching the query ordered by position
	// (ascending unless the query says otherwise).
	Filter(ctx context.Context, query *SearchQueryBuilder) ([]*domain.Event, error)

	// Stream lazily yields events matching the request. The returned
	// channel is closed when the stream ends or ctx is cancelled; a
	// terminal error, if any, is delivered on the error channel.
	Stream(ctx context.Context, req StreamRequest) (<-chan *domain.Event, <-chan error)

	// LatestPosition returns the position of the most recent event,
	// scoped to an instance when instanceID is non-empty.
	LatestPosition(ctx context.Context, instanceID string) (domain.Position, error)

	// InstanceIDs lists the distinct instances that have events matching
	// the query. Projection workers use it to discover tenants.
	InstanceIDs(ctx context.Context, query *SearchQueryBuilder) ([]string, error)

	// Close releases the store's resources.
	Close() error
}
