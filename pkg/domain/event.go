package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateType classifies an aggregate (e.g. "user", "org", "project").
type AggregateType string

// EventType is the dotted, stable name of an event (e.g. "user.human.added").
// Event types are append-only: new behaviour is expressed as a new type,
// never by renaming or changing an existing one.
type EventType string

// Aggregate identifies a logical entity. It has no stored row of its own;
// its state is derived by replaying its events.
type Aggregate struct {
	// InstanceID is the outermost tenant boundary.
	InstanceID string

	// Type is the aggregate type (e.g. "user").
	Type AggregateType

	// ID identifies the aggregate within (InstanceID, Type).
	ID string

	// ResourceOwner is the owning organisation within the instance.
	ResourceOwner string

	// Version is the schema version of this aggregate type (e.g. "v1").
	Version string
}

// Editor identifies who triggered a state change.
type Editor struct {
	// UserID is the authenticated user, empty for system actions.
	UserID string

	// Service is the acting service component.
	Service string
}

// Event is an immutable fact appended to the log.
type Event struct {
	// Position orders this event across the whole log.
	Position Position

	// Sequence is the per-aggregate, gapless, 1-based order.
	Sequence uint64

	// Aggregate the event belongs to.
	Aggregate Aggregate

	// Type is the dotted event type name.
	Type EventType

	// Payload is the JSON-encoded event body. It may be nil for events
	// that carry no data. Decoders tolerate unknown and missing
	// optional fields.
	Payload []byte

	// Editor is who produced the event.
	Editor Editor

	// CreatedAt is when the event was committed.
	CreatedAt time.Time

	// CommandID groups events written by the same command.
	CommandID string
}

// UnmarshalPayload decodes the event payload into v. A nil payload leaves
// v untouched so handlers can rely on zero values for absent bodies.
func (e *Event) UnmarshalPayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal payload of %s event (aggregate %s/%s): %w",
			e.Type, e.Aggregate.Type, e.Aggregate.ID, err)
	}
	return nil
}

// Now returns the current time. It exists as a seam so tests can keep
// timestamps deterministic.
var Now = func() time.Time {
	return time.Now().UTC()
}
