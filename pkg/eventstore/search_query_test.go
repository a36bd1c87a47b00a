package eventstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/plaenen/iamcore/pkg/domain"
)

func testEvent() *domain.Event {
	return &domain.Event{
		Position: domain.Position{Ordinal: 10, InTxOrder: 2},
		Aggregate: domain.Aggregate{
			InstanceID: "inst-1",
			Type:       "user",
			ID:         "user-1",
		},
		Type:   "user.human.added",
		Editor: domain.Editor{UserID: "editor-1"},
	}
}

func TestSearchQueryMatches(t *testing.T) {
	tests := []struct {
		name  string
		query *SearchQueryBuilder
		want  bool
	}{
		{"empty matches everything", NewSearchQueryBuilder(), true},
		{"instance match", NewSearchQueryBuilder().InstanceID("inst-1"), true},
		{"instance mismatch", NewSearchQueryBuilder().InstanceID("inst-2"), false},
		{"aggregate type", NewSearchQueryBuilder().AggregateTypes("user", "org"), true},
		{"aggregate type mismatch", NewSearchQueryBuilder().AggregateTypes("org"), false},
		{"event type", NewSearchQueryBuilder().EventTypes("user.human.added"), true},
		{"editor", NewSearchQueryBuilder().EditorUsers("editor-1"), true},
		{"editor mismatch", NewSearchQueryBuilder().EditorUsers("editor-2"), false},
		{"lower bound excludes equal", NewSearchQueryBuilder().PositionAfter(domain.Position{Ordinal: 10, InTxOrder: 2}), false},
		{"lower bound below", NewSearchQueryBuilder().PositionAfter(domain.Position{Ordinal: 10, InTxOrder: 1}), true},
		{"upper bound includes equal", NewSearchQueryBuilder().PositionAtMost(domain.Position{Ordinal: 10, InTxOrder: 2}), true},
		{"upper bound above", NewSearchQueryBuilder().PositionAtMost(domain.Position{Ordinal: 10, InTxOrder: 1}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Matches(testEvent()))
		})
	}
}

func TestSearchQueryClone(t *testing.T) {
	base := NewSearchQueryBuilder().AggregateTypes("user")

	derived := base.Clone().InstanceID("inst-1").PositionAfter(domain.Position{Ordinal: 5})

	assert.Empty(t, base.GetInstanceIDs())
	assert.True(t, base.GetPositionAfter().IsZero())
	assert.Equal(t, []string{"inst-1"}, derived.GetInstanceIDs())
	assert.Equal(t, []domain.AggregateType{"user"}, derived.GetAggregateTypes())
}
