// Package sqlite persists the projection engine's bookkeeping: checkpoints,
// worker locks, failed events and operational state. The tables live in the
// same database as the read models so a projection's mutations, its
// checkpoint and its failure records commit in one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore/sqlite/migrate"
	"github.com/plaenen/iamcore/pkg/projection"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Stores bundles the bookkeeping stores over one database.
type Stores struct {
	Checkpoints *CheckpointStore
	Locks       *LockStore
	Failed      *FailedEventStore
	States      *StateStore
}

// NewStores migrates the bookkeeping schema and returns the stores.
func NewStores(ctx context.Context, db *sql.DB) (*Stores, error) {
	m := migrate.New(db, "projection_schema_migrations")
	if err := m.LoadFS(migrationsFS, "migrations"); err != nil {
		return nil, fmt.Errorf("load projection migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return nil, fmt.Errorf("run projection migrations: %w", err)
	}
	return &Stores{
		Checkpoints: &CheckpointStore{db: db},
		Locks:       &LockStore{db: db},
		Failed:      &FailedEventStore{db: db},
		States:      &StateStore{db: db},
	}, nil
}

// CheckpointStore tracks the last processed position per
// (projection, instance).
type CheckpointStore struct {
	db *sql.DB
}

// Get returns the recorded checkpoint position, the zero position when
// none is recorded yet.
func (s *CheckpointStore) Get(ctx context.Context, projectionName, instanceID string) (domain.Position, error) {
	var p domain.Position
	err := s.db.QueryRowContext(ctx, `
		SELECT position, in_tx_order FROM projection_checkpoints
		WHERE projection_name = ? AND instance_id = ?`,
		projectionName, instanceID,
	).Scan(&p.Ordinal, &p.InTxOrder)
	if err == sql.ErrNoRows {
		return domain.Position{}, nil
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return p, nil
}

// SetInTx advances the checkpoint inside the projection's transaction so
// the read-model mutation and the position move atomically.
func (s *CheckpointStore) SetInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string, p domain.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projection_checkpoints (projection_name, instance_id, position, in_tx_order, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (projection_name, instance_id) DO UPDATE SET
			position = excluded.position,
			in_tx_order = excluded.in_tx_order,
			updated_at = excluded.updated_at`,
		projectionName, instanceID, p.Ordinal, p.InTxOrder, domain.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// DeleteInTx removes the checkpoint as part of a projection reset.
func (s *CheckpointStore) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM projection_checkpoints
		WHERE projection_name = ? AND instance_id = ?`,
		projectionName, instanceID,
	)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// LockStore serializes workers per (projection, instance) with a TTL so
// crashed workers release their claim implicitly.
type LockStore struct {
	db *sql.DB
}

// Acquire claims the lock for workerID until now+ttl. It succeeds when
// the lock is free, expired, or already held by the same worker.
func (s *LockStore) Acquire(ctx context.Context, projectionName, instanceID, workerID string, ttl time.Duration) (bool, error) {
	now := domain.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_locks (projection_name, instance_id, worker_id, locked_until)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (projection_name, instance_id) DO UPDATE SET
			worker_id = excluded.worker_id,
			locked_until = excluded.locked_until
		WHERE projection_locks.locked_until < ? OR projection_locks.worker_id = excluded.worker_id`,
		projectionName, instanceID, workerID, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire projection lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire projection lock: %w", err)
	}
	return affected > 0, nil
}

// Renew extends the lock; it fails when the lock was lost.
func (s *LockStore) Renew(ctx context.Context, projectionName, instanceID, workerID string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projection_locks SET locked_until = ?
		WHERE projection_name = ? AND instance_id = ? AND worker_id = ?`,
		domain.Now().Add(ttl).UnixNano(), projectionName, instanceID, workerID,
	)
	if err != nil {
		return false, fmt.Errorf("renew projection lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew projection lock: %w", err)
	}
	return affected > 0, nil
}

// Release frees the lock if still held by workerID.
func (s *LockStore) Release(ctx context.Context, projectionName, instanceID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM projection_locks
		WHERE projection_name = ? AND instance_id = ? AND worker_id = ?`,
		projectionName, instanceID, workerID,
	)
	if err != nil {
		return fmt.Errorf("release projection lock: %w", err)
	}
	return nil
}

// FailedEventStore records handler failures per event for retry,
// quarantine and operator resolution.
type FailedEventStore struct {
	db *sql.DB
}

// Get returns the failure record for the event at the given position, or
// nil when the event never failed.
func (s *FailedEventStore) Get(ctx context.Context, projectionName, instanceID string, p domain.Position) (*projection.FailedEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT projection_name, instance_id, position, in_tx_order, sequence,
		       aggregate_type, aggregate_id, event_type, failure_count,
		       last_error, resolution, first_failed_at, last_failed_at
		FROM projection_failed_events
		WHERE projection_name = ? AND instance_id = ? AND position = ? AND in_tx_order = ?`,
		projectionName, instanceID, p.Ordinal, p.InTxOrder,
	)
	fe, err := scanFailedEvent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load failed event: %w", err)
	}
	return fe, nil
}

// List returns all failure records of a projection for one instance,
// oldest first.
func (s *FailedEventStore) List(ctx context.Context, projectionName, instanceID string) ([]*projection.FailedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT projection_name, instance_id, position, in_tx_order, sequence,
		       aggregate_type, aggregate_id, event_type, failure_count,
		       last_error, resolution, first_failed_at, last_failed_at
		FROM projection_failed_events
		WHERE projection_name = ? AND instance_id = ?
		ORDER BY position ASC, in_tx_order ASC`,
		projectionName, instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()

	var failed []*projection.FailedEvent
	for rows.Next() {
		fe, err := scanFailedEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan failed event: %w", err)
		}
		failed = append(failed, fe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed events: %w", err)
	}
	return failed, nil
}

// RecordFailure creates the failure record on first failure and
// increments it on subsequent ones. It returns the new failure count.
func (s *FailedEventStore) RecordFailure(ctx context.Context, projectionName string, event *domain.Event, handlerErr error) (uint64, error) {
	now := domain.Now().UnixNano()
	var count uint64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projection_failed_events (
			projection_name, instance_id, position, in_tx_order, sequence,
			aggregate_type, aggregate_id, event_type,
			failure_count, last_error, first_failed_at, last_failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT (projection_name, instance_id, position, in_tx_order) DO UPDATE SET
			failure_count = projection_failed_events.failure_count + 1,
			last_error = excluded.last_error,
			last_failed_at = excluded.last_failed_at
		RETURNING failure_count`,
		projectionName, event.Aggregate.InstanceID,
		event.Position.Ordinal, event.Position.InTxOrder, event.Sequence,
		event.Aggregate.Type, event.Aggregate.ID, event.Type,
		handlerErr.Error(), now, now,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record failed event: %w", err)
	}
	return count, nil
}

// DeleteInTx removes the failure record once the event finally applied,
// inside the same transaction as the apply.
func (s *FailedEventStore) DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string, p domain.Position) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM projection_failed_events
		WHERE projection_name = ? AND instance_id = ? AND position = ? AND in_tx_order = ?
		  AND resolution = ''`,
		projectionName, instanceID, p.Ordinal, p.InTxOrder,
	)
	if err != nil {
		return fmt.Errorf("delete failed event: %w", err)
	}
	return nil
}

// Resolve applies the operator decision on a quarantined event.
func (s *FailedEventStore) Resolve(ctx context.Context, projectionName, instanceID string, p domain.Position, action projection.ResolveAction) error {
	var (
		res sql.Result
		err error
	)
	switch action {
	case projection.ResolveRetry:
		res, err = s.db.ExecContext(ctx, `
			UPDATE projection_failed_events
			SET failure_count = 0, resolution = ''
			WHERE projection_name = ? AND instance_id = ? AND position = ? AND in_tx_order = ?`,
			projectionName, instanceID, p.Ordinal, p.InTxOrder,
		)
	case projection.ResolveSkip:
		res, err = s.db.ExecContext(ctx, `
			UPDATE projection_failed_events
			SET resolution = ?
			WHERE projection_name = ? AND instance_id = ? AND position = ? AND in_tx_order = ?`,
			projection.ResolutionSkipped, projectionName, instanceID, p.Ordinal, p.InTxOrder,
		)
	default:
		return fmt.Errorf("unknown resolve action %d", action)
	}
	if err != nil {
		return fmt.Errorf("resolve failed event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve failed event: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: no failed event at %s for %s/%s", domain.ErrNotFound, p, projectionName, instanceID)
	}
	return nil
}

// DeleteAllInTx removes every failure record of one instance, as part of
// a projection reset.
func (s *FailedEventStore) DeleteAllInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM projection_failed_events
		WHERE projection_name = ? AND instance_id = ?`,
		projectionName, instanceID,
	)
	if err != nil {
		return fmt.Errorf("delete failed events: %w", err)
	}
	return nil
}

func scanFailedEvent(scan func(...any) error) (*projection.FailedEvent, error) {
	var (
		fe          projection.FailedEvent
		firstFailed int64
		lastFailed  int64
	)
	if err := scan(
		&fe.ProjectionName, &fe.InstanceID,
		&fe.Position.Ordinal, &fe.Position.InTxOrder, &fe.Sequence,
		&fe.AggregateType, &fe.AggregateID, &fe.EventType,
		&fe.FailureCount, &fe.LastError, &fe.Resolution,
		&firstFailed, &lastFailed,
	); err != nil {
		return nil, err
	}
	fe.FirstFailedAt = time.Unix(0, firstFailed).UTC()
	fe.LastFailedAt = time.Unix(0, lastFailed).UTC()
	return &fe, nil
}

// StateStore persists the operational status per (projection, instance).
type StateStore struct {
	db *sql.DB
}

// Set upserts the status.
func (s *StateStore) Set(ctx context.Context, projectionName, instanceID string, status projection.Status, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_states (projection_name, instance_id, status, message, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (projection_name, instance_id) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at`,
		projectionName, instanceID, status, message, domain.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save projection state: %w", err)
	}
	return nil
}

// Get loads the status; projections that never ran report StatusReady.
func (s *StateStore) Get(ctx context.Context, projectionName, instanceID string) (*projection.State, error) {
	var (
		state     projection.State
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT projection_name, instance_id, status, message, updated_at
		FROM projection_states
		WHERE projection_name = ? AND instance_id = ?`,
		projectionName, instanceID,
	).Scan(&state.ProjectionName, &state.InstanceID, &state.Status, &state.Message, &updatedAt)
	if err == sql.ErrNoRows {
		return &projection.State{
			ProjectionName: projectionName,
			InstanceID:     instanceID,
			Status:         projection.StatusReady,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load projection state: %w", err)
	}
	state.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &state, nil
}
