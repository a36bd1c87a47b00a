// Package query implements the read side of the IAM core: SQL projections
// for users and organisations plus the tenant-scoped query façade on top
// of them.
package query

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
	"github.com/plaenen/iamcore/pkg/iam/user"
	"github.com/plaenen/iamcore/pkg/projection"
)

// UsersProjectionName identifies the users read model.
const UsersProjectionName = "users"

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users_projection (
    instance_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    resource_owner TEXT NOT NULL,
    username TEXT NOT NULL,
    first_name TEXT NOT NULL,
    last_name TEXT NOT NULL,
    email TEXT NOT NULL,
    email_verified INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    changed_at INTEGER NOT NULL,
    PRIMARY KEY (instance_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_users_projection_username
    ON users_projection (instance_id, username);
CREATE INDEX IF NOT EXISTS idx_users_projection_owner
    ON users_projection (instance_id, resource_owner);`

// UsersProjection derives a flat user table from user aggregate events.
// All reducers are idempotent upserts keyed by (instance_id, user_id) so
// replays after a checkpoint gap converge to the same row.
type UsersProjection struct{}

// NewUsersProjection creates the projection.
func NewUsersProjection() *UsersProjection {
	return &UsersProjection{}
}

// Name implements projection.Projection.
func (p *UsersProjection) Name() string { return UsersProjectionName }

// Subscription implements projection.Projection.
func (p *UsersProjection) Subscription() *eventstore.SearchQueryBuilder {
	return eventstore.NewSearchQueryBuilder().AggregateTypes(user.AggregateType)
}

// Init implements projection.Projection.
func (p *UsersProjection) Init(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createUsersTable); err != nil {
		return fmt.Errorf("create users projection schema: %w", err)
	}
	return nil
}

// Reset implements projection.Projection.
func (p *UsersProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM users_projection WHERE instance_id = ?`, instanceID)
	return err
}

// Reducers implements projection.Projection.
func (p *UsersProjection) Reducers() map[domain.EventType]projection.Reducer {
	return map[domain.EventType]projection.Reducer{
		user.HumanAddedType:      p.reduceHumanAdded,
		user.UsernameChangedType: p.reduceUsernameChanged,
		user.EmailChangedType:    p.reduceEmailChanged,
		user.EmailVerifiedType:   p.reduceEmailVerified,
		user.DeactivatedType:     p.reduceState(domain.StateInactive),
		user.ReactivatedType:     p.reduceState(domain.StateActive),
		user.RemovedType:         p.reduceRemoved,
	}
}

func (p *UsersProjection) reduceHumanAdded(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	var payload user.HumanAddedPayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users_projection (
			instance_id, user_id, resource_owner, username,
			first_name, last_name, email, email_verified,
			state, sequence, created_at, changed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT (instance_id, user_id) DO UPDATE SET
			resource_owner = excluded.resource_owner,
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			state = excluded.state,
			sequence = excluded.sequence`,
		event.Aggregate.InstanceID, event.Aggregate.ID, event.Aggregate.ResourceOwner,
		payload.Username, payload.FirstName, payload.LastName, payload.Email,
		domain.StateActive.String(), event.Sequence,
		event.CreatedAt.UnixNano(), event.CreatedAt.UnixNano(),
	)
	return err
}

func (p *UsersProjection) reduceUsernameChanged(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	var payload user.UsernameChangedPayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		return err
	}
	return p.update(ctx, tx, event, `username = ?`, payload.Username)
}

func (p *UsersProjection) reduceEmailChanged(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	var payload user.EmailChangedPayload
	if err := event.UnmarshalPayload(&payload); err != nil {
		return err
	}
	return p.update(ctx, tx, event, `email = ?, email_verified = 0`, payload.Email)
}

func (p *UsersProjection) reduceEmailVerified(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	return p.update(ctx, tx, event, `email_verified = 1`)
}

func (p *UsersProjection) reduceState(state domain.AggregateState) projection.Reducer {
	return func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
		return p.update(ctx, tx, event, `state = ?`, state.String())
	}
}

func (p *UsersProjection) reduceRemoved(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM users_projection WHERE instance_id = ? AND user_id = ?`,
		event.Aggregate.InstanceID, event.Aggregate.ID)
	return err
}

// update applies a partial change. Missing rows are tolerated; the row is
// recreated on the next full rebuild if the added event was lost.
func (p *UsersProjection) update(ctx context.Context, tx *sql.Tx, event *domain.Event, set string, args ...any) error {
	query := fmt.Sprintf(
		`UPDATE users_projection SET %s, sequence = ?, changed_at = ? WHERE instance_id = ? AND user_id = ?`, set)
	args = append(args, event.Sequence, event.CreatedAt.UnixNano(), event.Aggregate.InstanceID, event.Aggregate.ID)
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
