// Package sqlite implements the event store over SQLite using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
	"github.com/plaenen/iamcore/pkg/eventstore/sqlite/migrate"
	"github.com/plaenen/iamcore/pkg/observability"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AppendListener is invoked after a push commits, once per instance that
// received events, with the new head position. Listeners must not block.
type AppendListener func(instanceID string, head domain.Position)

// EventStore is a SQLite-backed implementation of eventstore.EventStore.
// Writers are serialized through a process-level mutex on top of SQLite's
// own single-writer model; readers run concurrently under WAL.
type EventStore struct {
	db           *sql.DB
	mu           sync.Mutex // serializes push transactions
	pollInterval time.Duration
	listeners    []AppendListener
}

type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	pollInterval time.Duration
	listeners    []AppendListener
}

func defaultConfig() config {
	return config{
		dsn:          "iamcore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		pollInterval: 250 * time.Millisecond,
	}
}

// Option configures an EventStore.
type Option func(*config)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *config) { c.dsn = dsn }
}

// WithMemoryDatabase uses an in-memory database, for tests.
func WithMemoryDatabase() Option {
	return func(c *config) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(c *config) { c.maxOpenConns = n }
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(c *config) { c.maxIdleConns = n }
}

// WithWALMode enables write-ahead logging. Recommended for anything but
// :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) { c.walMode = enabled }
}

// WithAutoMigrate runs pending schema migrations on startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) { c.autoMigrate = enabled }
}

// WithPollInterval sets how often a following Stream re-checks the log
// when no append notification wakes it earlier.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.pollInterval = d }
}

// WithAppendListener registers a listener notified after commits.
func WithAppendListener(l AppendListener) Option {
	return func(c *config) { c.listeners = append(c.listeners, l) }
}

// NewEventStore opens (and by default migrates) the store.
func NewEventStore(opts ...Option) (*EventStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A :memory: DSN needs a single connection, otherwise every pooled
	// connection sees its own empty database.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := &EventStore{
		db:           db,
		pollInterval: cfg.pollInterval,
		listeners:    cfg.listeners,
	}

	if cfg.walMode {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA busy_timeout = 5000;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if cfg.autoMigrate {
		m := migrate.New(db, "eventstore_schema_migrations")
		if err := m.LoadFS(migrationsFS, "migrations"); err != nil {
			db.Close()
			return nil, fmt.Errorf("load migrations: %w", err)
		}
		if err := m.Up(context.Background()); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	return store, nil
}

// DB exposes the underlying connection pool so projections can colocate
// their read models and bookkeeping tables with the log.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close closes the store.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// Push appends all writes atomically. See eventstore.EventStore.
func (s *EventStore) Push(ctx context.Context, commandID string, writes ...*eventstore.Write) (events []*domain.Event, err error) {
	if len(writes) == 0 {
		return nil, nil
	}

	ctx, span := observability.StartSpan(ctx, "eventstore.push",
		attribute.String("command_id", commandID))
	defer func() { observability.EndSpan(span, err) }()

	// Marshal payloads before opening the transaction: a malformed event
	// must never be written, and must not cost a write lock either.
	type staged struct {
		write   *eventstore.Write
		payload [][]byte
	}
	stagedWrites := make([]staged, len(writes))
	for i, write := range writes {
		payloads := make([][]byte, len(write.Events))
		for j, cmd := range write.Events {
			if cmd.Payload == nil {
				continue
			}
			data, err := json.Marshal(cmd.Payload)
			if err != nil {
				return nil, fmt.Errorf("%w: marshal payload of %s: %v", domain.ErrValidation, cmd.Type, err)
			}
			payloads[j] = data
		}
		stagedWrites[i] = staged{write: write, payload: payloads}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin push transaction", err)
	}
	defer tx.Rollback()

	// One ordinal per push transaction; commit order equals ordinal order
	// because writers are serialized.
	var ordinal int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE positions SET ordinal = ordinal + 1 WHERE id = 1 RETURNING ordinal`,
	).Scan(&ordinal); err != nil {
		return nil, storageErr("advance position counter", err)
	}

	now := domain.Now()
	var (
		inTxOrder uint32
		touched   = map[string]domain.Position{}
		perInst   = map[string]int{}
	)

	for _, sw := range stagedWrites {
		write := sw.write
		agg := write.Aggregate

		var current uint64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sequence), 0) FROM events
			WHERE instance_id = ? AND aggregate_type = ? AND aggregate_id = ?`,
			agg.InstanceID, agg.Type, agg.ID,
		).Scan(&current); err != nil {
			return nil, storageErr("read aggregate sequence", err)
		}

		if write.ExpectedSequence != nil && *write.ExpectedSequence != current {
			return nil, fmt.Errorf("%w: %s %s expected %d, have %d",
				domain.ErrConcurrencyConflict, agg.Type, agg.ID, *write.ExpectedSequence, current)
		}

		for i, cmd := range write.Events {
			if err := s.applyConstraints(ctx, tx, agg.InstanceID, cmd.Constraints); err != nil {
				return nil, err
			}

			event := &domain.Event{
				Position:  domain.Position{Ordinal: ordinal, InTxOrder: inTxOrder},
				Sequence:  current + uint64(i) + 1,
				Aggregate: agg,
				Type:      cmd.Type,
				Payload:   sw.payload[i],
				Editor:    write.Editor,
				CreatedAt: now,
				CommandID: commandID,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO events (
					position, in_tx_order, instance_id, aggregate_type, aggregate_id,
					sequence, aggregate_version, event_type, payload,
					editor_user, editor_service, resource_owner, command_id, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				event.Position.Ordinal, event.Position.InTxOrder,
				agg.InstanceID, agg.Type, agg.ID,
				event.Sequence, agg.Version, event.Type, event.Payload,
				write.Editor.UserID, write.Editor.Service, agg.ResourceOwner,
				commandID, now.UnixNano(),
			); err != nil {
				return nil, storageErr("insert event", err)
			}

			events = append(events, event)
			touched[agg.InstanceID] = event.Position
			perInst[agg.InstanceID]++
			inTxOrder++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit push transaction", err)
	}

	for instanceID, head := range touched {
		observability.RecordPushedEvents(ctx, instanceID, perInst[instanceID])
		for _, listener := range s.listeners {
			listener(instanceID, head)
		}
	}
	return events, nil
}

// applyConstraints reserves and releases unique constraint tuples within
// the push transaction. Adds check for an existing reservation first so a
// collision surfaces as the supplied domain error instead of a raw driver
// constraint failure.
func (s *EventStore) applyConstraints(ctx context.Context, tx *sql.Tx, instanceID string, constraints []*domain.UniqueConstraint) error {
	for _, constraint := range constraints {
		switch constraint.Action {
		case domain.UniqueConstraintAdd:
			var exists int
			err := tx.QueryRowContext(ctx, `
				SELECT 1 FROM unique_constraints
				WHERE instance_id = ? AND unique_type = ? AND unique_field = ?`,
				instanceID, constraint.UniqueType, constraint.UniqueField,
			).Scan(&exists)
			switch {
			case err == nil:
				return domain.NewUniqueConstraintError(
					constraint.UniqueType, constraint.UniqueField, constraint.ErrorMessage)
			case err != sql.ErrNoRows:
				return storageErr("check unique constraint", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO unique_constraints (instance_id, unique_type, unique_field)
				VALUES (?, ?, ?)`,
				instanceID, constraint.UniqueType, constraint.UniqueField,
			); err != nil {
				return storageErr("add unique constraint", err)
			}

		case domain.UniqueConstraintRemove:
			// Removing an absent tuple is a no-op.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM unique_constraints
				WHERE instance_id = ? AND unique_type = ? AND unique_field = ?`,
				instanceID, constraint.UniqueType, constraint.UniqueField,
			); err != nil {
				return storageErr("remove unique constraint", err)
			}
		}
	}
	return nil
}

// RebuildConstraints recomputes the unique constraint registry by
// replaying every event's constraint operations in position order. This
// is a recovery operation; events themselves are never touched.
func (s *EventStore) RebuildConstraints(ctx context.Context, resolve func(*domain.Event) []*domain.UniqueConstraint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin rebuild transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM unique_constraints`); err != nil {
		return storageErr("clear unique constraints", err)
	}

	rows, err := tx.QueryContext(ctx, selectEvents+` ORDER BY position ASC, in_tx_order ASC`)
	if err != nil {
		return storageErr("scan events", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := s.applyConstraints(ctx, tx, event.Aggregate.InstanceID, resolve(event)); err != nil {
			return fmt.Errorf("rebuild constraint of event %s at %s: %w", event.Type, event.Position, err)
		}
	}
	return tx.Commit()
}

// storageError marks database failures as transient so callers can decide
// to retry idempotent operations.
type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string {
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *storageError) Is(target error) bool {
	return target == domain.ErrTransientStorage
}

func (e *storageError) Unwrap() error {
	return e.err
}

func storageErr(op string, err error) error {
	return &storageError{op: op, err: err}
}
