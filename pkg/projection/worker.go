package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
	"github.com/plaenen/iamcore/pkg/observability"
	"github.com/plaenen/iamcore/pkg/runner"
)

// Worker advances one projection across all instances. It implements
// runner.Service; a ticker (or an append notification via Trigger) starts
// a pass, and within a pass each (projection, instance) pair is guarded
// by the TTL lock so horizontally scaled workers never interleave.
type Worker struct {
	projection  Projection
	es          eventstore.EventStore
	db          *sql.DB
	checkpoints CheckpointStore
	locks       LockStore
	failed      FailedEventStore
	states      StateStore
	logger      runner.Logger

	workerID        string
	batchSize       uint64
	interval        time.Duration
	lockTTL         time.Duration
	maxFailureCount uint64
	retryBase       time.Duration
	retryMax        time.Duration
	strictOrder     bool

	trigger chan string
	cancel  context.CancelFunc
	done    chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the worker's logger.
func WithLogger(logger runner.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithBatchSize bounds how many events one pass reads at a time.
func WithBatchSize(n uint64) WorkerOption {
	return func(w *Worker) { w.batchSize = n }
}

// WithInterval sets the tick interval between passes. Default 1s.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.interval = d }
}

// WithLockTTL sets the projection lock TTL. Default 30s.
func WithLockTTL(d time.Duration) WorkerOption {
	return func(w *Worker) { w.lockTTL = d }
}

// WithMaxFailureCount sets how many failures quarantine an event.
func WithMaxFailureCount(n uint64) WorkerOption {
	return func(w *Worker) { w.maxFailureCount = n }
}

// WithRetryBackoff sets the base and cap of the failed-event retry delay.
// The delay doubles per failure: base, 2*base, ... capped at max.
func WithRetryBackoff(base, max time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retryBase = base
		w.retryMax = max
	}
}

// WithStrictOrder halts an instance's processing at the first unresolved
// failure instead of continuing with later events.
func WithStrictOrder() WorkerOption {
	return func(w *Worker) { w.strictOrder = true }
}

// NewWorker creates the worker for one projection. db is the database
// holding the projection's read model and the bookkeeping tables.
func NewWorker(
	p Projection,
	es eventstore.EventStore,
	db *sql.DB,
	checkpoints CheckpointStore,
	locks LockStore,
	failed FailedEventStore,
	states StateStore,
	opts ...WorkerOption,
) *Worker {
	w := &Worker{
		projection:      p,
		es:              es,
		db:              db,
		checkpoints:     checkpoints,
		locks:           locks,
		failed:          failed,
		states:          states,
		logger:          runner.NewNoopLogger(),
		workerID:        uuid.NewString(),
		batchSize:       200,
		interval:        time.Second,
		lockTTL:         30 * time.Second,
		maxFailureCount: 5,
		retryBase:       500 * time.Millisecond,
		retryMax:        30 * time.Second,
		trigger:         make(chan string, 16),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name implements runner.Service.
func (w *Worker) Name() string {
	return "projection-" + w.projection.Name()
}

// Start initializes the projection schema and launches the loop.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.projection.Init(ctx, w.db); err != nil {
		return fmt.Errorf("init projection %s: %w", w.projection.Name(), err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(loopCtx)
	return nil
}

// Stop implements runner.Service. Cancellation is observed at batch
// boundaries, never mid-handler.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("projection %s did not stop in time", w.projection.Name())
	}
}

// HealthCheck implements runner.HealthChecker.
func (w *Worker) HealthCheck(ctx context.Context) error {
	if err := w.db.PingContext(ctx); err != nil {
		return fmt.Errorf("projection %s database: %w", w.projection.Name(), err)
	}
	return nil
}

// Trigger hints the worker that instanceID has new events, waking it
// before the next tick. It never blocks.
func (w *Worker) Trigger(instanceID string) {
	select {
	case w.trigger <- instanceID:
	default:
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case instanceID := <-w.trigger:
			w.runInstance(ctx, instanceID)
		case <-ticker.C:
			w.runAll(ctx)
		}
	}
}

func (w *Worker) runAll(ctx context.Context) {
	instances, err := w.es.InstanceIDs(ctx, w.projection.Subscription())
	if err != nil {
		w.logger.Error("list instances", "projection", w.projection.Name(), "error", err)
		return
	}
	for _, instanceID := range instances {
		if ctx.Err() != nil {
			return
		}
		w.runInstance(ctx, instanceID)
	}
}

func (w *Worker) runInstance(ctx context.Context, instanceID string) {
	ok, err := w.locks.Acquire(ctx, w.projection.Name(), instanceID, w.workerID, w.lockTTL)
	if err != nil {
		w.logger.Error("acquire lock", "projection", w.projection.Name(), "instance", instanceID, "error", err)
		return
	}
	if !ok {
		return // another worker owns this pair
	}
	defer func() {
		if err := w.locks.Release(context.WithoutCancel(ctx), w.projection.Name(), instanceID, w.workerID); err != nil {
			w.logger.Error("release lock", "projection", w.projection.Name(), "instance", instanceID, "error", err)
		}
	}()

	if err := w.catchUp(ctx, instanceID); err != nil {
		w.logger.Error("projection pass failed", "projection", w.projection.Name(), "instance", instanceID, "error", err)
	}
}

// catchUp streams events past the checkpoint and applies them. The
// checkpoint only advances while every earlier event of the instance has
// been applied; later events may still be applied (at-least-once, they
// are reapplied after the gap closes) unless strict order is configured.
func (w *Worker) catchUp(ctx context.Context, instanceID string) error {
	name := w.projection.Name()

	position, err := w.checkpoints.Get(ctx, name, instanceID)
	if err != nil {
		return err
	}

	lockRenewedAt := domain.Now()
	blocked := false
	quarantined := false

	// The read cursor advances over every seen event, including failed
	// ones; the checkpoint only moves while no earlier event is pending.
	cursor := position

	for {
		events, err := w.es.Filter(ctx, w.projection.Subscription().Clone().
			InstanceID(instanceID).
			PositionAfter(cursor).
			Limit(w.batchSize))
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}

		for _, event := range events {
			if domain.Now().Sub(lockRenewedAt) > w.lockTTL/2 {
				held, err := w.locks.Renew(ctx, name, instanceID, w.workerID, w.lockTTL)
				if err != nil || !held {
					return fmt.Errorf("lost projection lock for %s/%s", name, instanceID)
				}
				lockRenewedAt = domain.Now()
			}

			applied, quarantine, err := w.applyEvent(ctx, instanceID, event, blocked)
			if err != nil {
				return err
			}
			cursor = event.Position
			if quarantine {
				quarantined = true
			}
			if !applied {
				blocked = true
				if w.strictOrder {
					break
				}
			}
		}

		if blocked && w.strictOrder {
			break
		}
		if uint64(len(events)) < w.batchSize {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	switch {
	case quarantined:
		return w.states.Set(ctx, name, instanceID, StatusFailed,
			"events quarantined after repeated failures; operator resolution required")
	case blocked:
		// Transient failures pending retry. Keep the previous state.
		return nil
	default:
		return w.states.Set(ctx, name, instanceID, StatusReady, "")
	}
}

// applyEvent applies one event in its own transaction. It reports whether
// the event counts as processed and whether it is quarantined.
func (w *Worker) applyEvent(ctx context.Context, instanceID string, event *domain.Event, blocked bool) (applied, quarantined bool, err error) {
	name := w.projection.Name()

	ctx, span := observability.StartSpan(ctx, "projection.apply",
		attribute.String("projection", name),
		attribute.String("event_type", string(event.Type)))
	defer func() { observability.EndSpan(span, err) }()

	fe, err := w.failed.Get(ctx, name, instanceID, event.Position)
	if err != nil {
		return false, false, err
	}
	if fe != nil {
		switch {
		case fe.Resolution == ResolutionSkipped:
			// Operator decided to skip; advance past without applying.
			return w.advanceOnly(ctx, instanceID, event, blocked)
		case fe.FailureCount >= w.maxFailureCount:
			return false, true, nil
		case domain.Now().Before(w.nextRetry(fe)):
			return false, false, nil
		}
	}

	reducer := w.projection.Reducers()[event.Type]
	if reducer == nil {
		return w.advanceOnly(ctx, instanceID, event, blocked)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("begin projection transaction: %w", err)
	}
	defer tx.Rollback()

	if handlerErr := reducer(ctx, tx, event); handlerErr != nil {
		tx.Rollback()
		span.RecordError(handlerErr)
		observability.RecordHandlerFailure(ctx, name, event)
		count, recordErr := w.failed.RecordFailure(ctx, name, event, handlerErr)
		if recordErr != nil {
			return false, false, recordErr
		}
		w.logger.Error("projection handler failed",
			"projection", name,
			"instance", instanceID,
			"event_type", event.Type,
			"position", event.Position.String(),
			"failure_count", count,
			"error", handlerErr)
		return false, count >= w.maxFailureCount, nil
	}

	if err := w.failed.DeleteInTx(ctx, tx, name, instanceID, event.Position); err != nil {
		return false, false, err
	}
	if !blocked {
		if err := w.checkpoints.SetInTx(ctx, tx, name, instanceID, event.Position); err != nil {
			return false, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("commit projection transaction: %w", err)
	}
	observability.RecordHandledEvent(ctx, name, event)
	return true, false, nil
}

// advanceOnly moves the checkpoint past an event that needs no mutation
// (no reducer registered, or operator-skipped).
func (w *Worker) advanceOnly(ctx context.Context, instanceID string, event *domain.Event, blocked bool) (bool, bool, error) {
	if blocked {
		return true, false, nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("begin projection transaction: %w", err)
	}
	defer tx.Rollback()
	if err := w.checkpoints.SetInTx(ctx, tx, w.projection.Name(), instanceID, event.Position); err != nil {
		return false, false, err
	}
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("commit projection transaction: %w", err)
	}
	return true, false, nil
}

func (w *Worker) nextRetry(fe *FailedEvent) time.Time {
	delay := w.retryBase
	for i := uint64(1); i < fe.FailureCount; i++ {
		delay *= 2
		if delay >= w.retryMax {
			delay = w.retryMax
			break
		}
	}
	return fe.LastFailedAt.Add(delay)
}

// Reset deletes the read model, checkpoint and failure records of one
// instance. The next pass rebuilds the projection by replay from the
// beginning of the instance's stream.
func (w *Worker) Reset(ctx context.Context, instanceID string) error {
	name := w.projection.Name()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	if err := w.projection.Reset(ctx, tx, instanceID); err != nil {
		return fmt.Errorf("reset projection %s: %w", name, err)
	}
	if err := w.checkpoints.DeleteInTx(ctx, tx, name, instanceID); err != nil {
		return err
	}
	if err := w.failed.DeleteAllInTx(ctx, tx, name, instanceID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset transaction: %w", err)
	}
	return w.states.Set(ctx, name, instanceID, StatusRebuilding, "rebuilding by replay")
}

// ResolveFailedEvent applies the operator decision on a quarantined event
// and wakes the worker so a retry happens promptly.
func (w *Worker) ResolveFailedEvent(ctx context.Context, instanceID string, p domain.Position, action ResolveAction) error {
	if err := w.failed.Resolve(ctx, w.projection.Name(), instanceID, p, action); err != nil {
		return err
	}
	w.Trigger(instanceID)
	return nil
}
