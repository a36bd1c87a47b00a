package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
	"github.com/plaenen/iamcore/pkg/iam/org"
	"github.com/plaenen/iamcore/pkg/projection"
)

// OrgsProjectionName identifies the organisations read model.
const OrgsProjectionName = "orgs"

const createOrgsTable = `
CREATE TABLE IF NOT EXISTS orgs_projection (
    instance_id TEXT NOT NULL,
    org_id TEXT NOT NULL,
    name TEXT NOT NULL,
    state TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    changed_at INTEGER NOT NULL,
    PRIMARY KEY (instance_id, org_id)
);
CREATE INDEX IF NOT EXISTS idx_orgs_projection_name
    ON orgs_projection (instance_id, name);`

// OrgsProjection derives a flat organisation table from org events.
type OrgsProjection struct{}

// NewOrgsProjection creates the projection.
func NewOrgsProjection() *OrgsProjection {
	return &OrgsProjection{}
}

// Name implements projection.Projection.
func (p *OrgsProjection) Name() string { return OrgsProjectionName }

// Subscription implements projection.Projection.
func (p *OrgsProjection) Subscription() *eventstore.SearchQueryBuilder {
	return eventstore.NewSearchQueryBuilder().AggregateTypes(org.AggregateType)
}

// Init implements projection.Projection.
func (p *OrgsProjection) Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createOrgsTable); err != nil {
		return fmt.Errorf("create orgs projection schema: %w", err)
	}
	return nil
}

// Reset implements projection.Projection.
func (p *OrgsProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM orgs_projection WHERE instance_id = ?`, instanceID)
	return err
}

// Reducers implements projection.Projection.
func (p *OrgsProjection) Reducers() map[domain.EventType]projection.Reducer {
	return map[domain.EventType]projection.Reducer{
		org.AddedType:       p.reduceAdded,
		org.NameChangedType: p.reduceNameChanged,
		org.DeactivatedType: p.reduceState(domain.StateInactive),
		org.ReactivatedType: p.reduceState(domain.StateActive),
		org.RemovedType:     p.reduceRemoved,
	}
}

func (p *OrgsProjection) reduceAdded(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	var payload org.AddedPayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orgs_projection (
			instance_id, org_id, name, state, sequence, created_at, changed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id, org_id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			sequence = excluded.sequence`,
		event.Aggregate.InstanceID, event.Aggregate.ID, payload.Name,
		domain.StateActive.String(), event.Sequence,
		event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
	)
	return err
}

func (p *OrgsProjection) reduceNameChanged(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	var payload org.NameChangedPayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		return err
	}
	return p.update(ctx, tx, event, `name = ?`, payload.Name)
}

func (p *OrgsProjection) reduceState(state domain.AggregateState) projection.Reducer {
	return func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
		return p.update(ctx, tx, event, `state = ?`, state.String())
	}
}

func (p *OrgsProjection) reduceRemoved(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM orgs_projection WHERE instance_id = ? AND org_id = ?`,
		event.Aggregate.InstanceID, event.Aggregate.ID)
	return err
}

func (p *OrgsProjection) update(ctx context.Context, tx *sql.Tx, event *domain.Event, set string, args ...any) error {
	query := fmt.Sprintf(
		`UPDATE orgs_projection SET %s, sequence = ?, changed_at = ? WHERE instance_id = ? AND org_id = ?`, set)
	args = append(args, event.Sequence, event.CreatedAt.UnixNano(), event.Aggregate.InstanceID, event.Aggregate.ID)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
