package eventstore

import (
	"github.com/plaenen/iamcore/pkg/domain"
)

// SearchQueryBuilder collects the filter criteria for Filter and Stream.
// The zero builder matches every event; methods narrow it down and return
// the builder for chaining.
type SearchQueryBuilder struct {
	instanceIDs    []string
	aggregateTypes []domain.AggregateType
	aggregateIDs   []string
	eventTypes     []domain.EventType
	editorUsers    []string
	positionAfter  domain.Position
	positionAtMost domain.Position
	hasUpperBound  bool
	limit          uint64
	descending     bool
}

// NewSearchQueryBuilder creates an empty builder matching all events.
func NewSearchQueryBuilder() *SearchQueryBuilder {
	return &SearchQueryBuilder{}
}

// InstanceID restricts the result to a single instance.
func (b *SearchQueryBuilder) InstanceID(id string) *SearchQueryBuilder {
	b.instanceIDs = []string{id}
	return b
}

// InstanceIDs restricts the result to a set of instances.
func (b *SearchQueryBuilder) InstanceIDs(ids ...string) *SearchQueryBuilder {
	b.instanceIDs = ids
	return b
}

// AggregateTypes restricts the result by aggregate type.
func (b *SearchQueryBuilder) AggregateTypes(types ...domain.AggregateType) *SearchQueryBuilder {
	b.aggregateTypes = types
	return b
}

// AggregateIDs restricts the result by aggregate id.
func (b *SearchQueryBuilder) AggregateIDs(ids ...string) *SearchQueryBuilder {
	b.aggregateIDs = ids
	return b
}

// EventTypes restricts the result by event type.
func (b *SearchQueryBuilder) EventTypes(types ...domain.EventType) *SearchQueryBuilder {
	b.eventTypes = types
	return b
}

// EditorUsers restricts the result to events produced by the given users.
func (b *SearchQueryBuilder) EditorUsers(ids ...string) *SearchQueryBuilder {
	b.editorUsers = ids
	return b
}

// PositionAfter sets the exclusive lower position bound.
func (b *SearchQueryBuilder) PositionAfter(p domain.Position) *SearchQueryBuilder {
	b.positionAfter = p
	return b
}

// PositionAtMost sets the inclusive upper position bound.
func (b *SearchQueryBuilder) PositionAtMost(p domain.Position) *SearchQueryBuilder {
	b.positionAtMost = p
	b.hasUpperBound = true
	return b
}

// Limit caps the number of returned events. Zero means no cap.
func (b *SearchQueryBuilder) Limit(n uint64) *SearchQueryBuilder {
	b.limit = n
	return b
}

// Desc returns events in descending position order.
func (b *SearchQueryBuilder) Desc() *SearchQueryBuilder {
	b.descending = true
	return b
}

// Matches reports whether the event satisfies every criterion of the
// builder. Stores use it to post-filter streamed events; tests use it
// directly.
func (b *SearchQueryBuilder) Matches(e *domain.Event) bool {
	if len(b.instanceIDs) > 0 && !containsString(b.instanceIDs, e.Aggregate.InstanceID) {
		return false
	}
	if len(b.aggregateTypes) > 0 && !containsAggregateType(b.aggregateTypes, e.Aggregate.Type) {
		return false
	}
	if len(b.aggregateIDs) > 0 && !containsString(b.aggregateIDs, e.Aggregate.ID) {
		return false
	}
	if len(b.eventTypes) > 0 && !containsEventType(b.eventTypes, e.Type) {
		return false
	}
	if len(b.editorUsers) > 0 && !containsString(b.editorUsers, e.Editor.UserID) {
		return false
	}
	if !b.positionAfter.IsZero() && !b.positionAfter.Before(e.Position) {
		return false
	}
	if b.hasUpperBound && b.positionAtMost.Before(e.Position) {
		return false
	}
	return true
}

// Clone returns a copy of the builder so callers can derive variants
// without mutating a shared subscription filter.
func (b *SearchQueryBuilder) Clone() *SearchQueryBuilder {
	clone := *b
	clone.instanceIDs = append([]string(nil), b.instanceIDs...)
	clone.aggregateTypes = append([]domain.AggregateType(nil), b.aggregateTypes...)
	clone.aggregateIDs = append([]string(nil), b.aggregateIDs...)
	clone.eventTypes = append([]domain.EventType(nil), b.eventTypes...)
	clone.editorUsers = append([]string(nil), b.editorUsers...)
	return &clone
}

// GetInstanceIDs exposes the instance filter, used by projection workers
// to scope checkpoints.
func (b *SearchQueryBuilder) GetInstanceIDs() []string { return b.instanceIDs }

// GetPositionAfter exposes the lower position bound.
func (b *SearchQueryBuilder) GetPositionAfter() domain.Position { return b.positionAfter }

// GetLimit exposes the limit.
func (b *SearchQueryBuilder) GetLimit() uint64 { return b.limit }

// GetAggregateTypes exposes the aggregate type filter.
func (b *SearchQueryBuilder) GetAggregateTypes() []domain.AggregateType { return b.aggregateTypes }

// GetAggregateIDs exposes the aggregate id filter.
func (b *SearchQueryBuilder) GetAggregateIDs() []string { return b.aggregateIDs }

// GetEventTypes exposes the event type filter.
func (b *SearchQueryBuilder) GetEventTypes() []domain.EventType { return b.eventTypes }

// GetEditorUsers exposes the editor user filter.
func (b *SearchQueryBuilder) GetEditorUsers() []string { return b.editorUsers }

// GetPositionAtMost exposes the inclusive upper bound; ok is false when
// no upper bound is set.
func (b *SearchQueryBuilder) GetPositionAtMost() (p domain.Position, ok bool) {
	return b.positionAtMost, b.hasUpperBound
}

// IsDescending reports whether results are ordered newest first.
func (b *SearchQueryBuilder) IsDescending() bool { return b.descending }

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsAggregateType(haystack []domain.AggregateType, needle domain.AggregateType) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsEventType(haystack []domain.EventType, needle domain.EventType) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
