package projection

import (
	"context"
	"database/sql"
	"time"

	"github.com/plaenen/iamcore/pkg/domain"
)

// CheckpointStore persists per-(projection, instance) positions.
// Implementations must support advancing the checkpoint inside the same
// transaction as the read-model mutation.
type CheckpointStore interface {
	Get(ctx context.Context, projectionName, instanceID string) (domain.Position, error)
	SetInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string, p domain.Position) error
	DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string) error
}

// LockStore serializes workers per (projection, instance) via TTL locks.
type LockStore interface {
	Acquire(ctx context.Context, projectionName, instanceID, workerID string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, projectionName, instanceID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, projectionName, instanceID, workerID string) error
}

// FailedEventStore records handler failures for retry and quarantine.
type FailedEventStore interface {
	Get(ctx context.Context, projectionName, instanceID string, p domain.Position) (*FailedEvent, error)
	List(ctx context.Context, projectionName, instanceID string) ([]*FailedEvent, error)
	RecordFailure(ctx context.Context, projectionName string, event *domain.Event, handlerErr error) (uint64, error)
	DeleteInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string, p domain.Position) error
	Resolve(ctx context.Context, projectionName, instanceID string, p domain.Position, action ResolveAction) error
	DeleteAllInTx(ctx context.Context, tx *sql.Tx, projectionName, instanceID string) error
}

// StateStore persists the operational status for monitoring.
type StateStore interface {
	Set(ctx context.Context, projectionName, instanceID string, status Status, message string) error
	Get(ctx context.Context, projectionName, instanceID string) (*State, error)
}
