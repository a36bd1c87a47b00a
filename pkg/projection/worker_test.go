package projection_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
	essqlite "github.com/plaenen/iamcore/pkg/eventstore/sqlite"
	"github.com/plaenen/iamcore/pkg/projection"
	projsqlite "github.com/plaenen/iamcore/pkg/projection/sqlite"
)

const noteAddedType domain.EventType = "note.added"

type notePayload struct {
	Text string `json:"text"`
}

// notesProjection materializes note.added events into a flat table and
// can be told to fail on specific texts, for failure-path tests.
type notesProjection struct {
	mu     sync.Mutex
	poison map[string]bool
}

func newNotesProjection() *notesProjection {
	return &notesProjection{poison: map[string]bool{}}
}

func (p *notesProjection) setPoison(text string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.poison[text] = failing
}

func (p *notesProjection) Name() string { return "notes" }

func (p *notesProjection) Subscription() *eventstore.SearchQueryBuilder {
	return eventstore.NewSearchQueryBuilder().AggregateTypes("note")
}

func (p *notesProjection) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS notes_projection (
			instance_id TEXT NOT NULL,
			note_id TEXT NOT NULL,
			text TEXT NOT NULL,
			PRIMARY KEY (instance_id, note_id)
		)`)
	return err
}

func (p *notesProjection) Reset(ctx context.Context, tx *sql.Tx, instanceID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM notes_projection WHERE instance_id = ?`, instanceID)
	return err
}

func (p *notesProjection) Reducers() map[domain.EventType]projection.Reducer {
	return map[domain.EventType]projection.Reducer{
		noteAddedType: func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
			var payload notePayload
			if err := event.UnmarshalPayload(&payload); err != nil {
				return err
			}
			p.mu.Lock()
			failing := p.poison[payload.Text]
			p.mu.Unlock()
			if failing {
				return fmt.Errorf("handler rejects %q", payload.Text)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO notes_projection (instance_id, note_id, text)
				VALUES (?, ?, ?)
				ON CONFLICT (instance_id, note_id) DO UPDATE SET text = excluded.text`,
				event.Aggregate.InstanceID, event.Aggregate.ID, payload.Text)
			return err
		},
	}
}

type workerEnv struct {
	store  *essqlite.EventStore
	db     *sql.DB
	stores *projsqlite.Stores
	proj   *notesProjection
	worker *projection.Worker
}

func newWorkerEnv(t *testing.T, opts ...projection.WorkerOption) *workerEnv {
	t.Helper()
	ctx := context.Background()

	store, err := essqlite.NewEventStore(essqlite.WithMemoryDatabase(), essqlite.WithWALMode(false))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	db := store.DB()
	stores, err := projsqlite.NewStores(ctx, db)
	require.NoError(t, err)

	proj := newNotesProjection()
	worker := projection.NewWorker(
		proj, store, db,
		stores.Checkpoints, stores.Locks, stores.Failed, stores.States,
		append([]projection.WorkerOption{
			// The tick never fires within a test; passes run via Trigger.
			projection.WithInterval(time.Hour),
			projection.WithRetryBackoff(time.Millisecond, 10*time.Millisecond),
		}, opts...)...,
	)

	require.NoError(t, worker.Start(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, worker.Stop(stopCtx))
	})

	return &workerEnv{store: store, db: db, stores: stores, proj: proj, worker: worker}
}

func (e *workerEnv) pushNote(t *testing.T, instanceID, noteID, text string) *domain.Event {
	t.Helper()
	events, err := e.store.Push(context.Background(), "", &eventstore.Write{
		Aggregate: domain.Aggregate{
			InstanceID:    instanceID,
			Type:          "note",
			ID:            noteID,
			ResourceOwner: "org-1",
			Version:       "v1",
		},
		Events: []*eventstore.Command{{Type: noteAddedType, Payload: notePayload{Text: text}}},
	})
	require.NoError(t, err)
	return events[0]
}

func (e *workerEnv) noteTexts(t *testing.T, instanceID string) map[string]string {
	t.Helper()
	rows, err := e.db.Query(
		`SELECT note_id, text FROM notes_projection WHERE instance_id = ?`, instanceID)
	require.NoError(t, err)
	defer rows.Close()

	notes := map[string]string{}
	for rows.Next() {
		var id, text string
		require.NoError(t, rows.Scan(&id, &text))
		notes[id] = text
	}
	require.NoError(t, rows.Err())
	return notes
}

func (e *workerEnv) checkpoint(t *testing.T, instanceID string) domain.Position {
	t.Helper()
	p, err := e.stores.Checkpoints.Get(context.Background(), "notes", instanceID)
	require.NoError(t, err)
	return p
}

func (e *workerEnv) waitForCheckpoint(t *testing.T, instanceID string, at domain.Position) {
	t.Helper()
	require.Eventually(t, func() bool {
		e.worker.Trigger(instanceID)
		return e.checkpoint(t, instanceID).Compare(at) >= 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWorkerProjectsEvents(t *testing.T) {
	env := newWorkerEnv(t)

	env.pushNote(t, "inst-1", "note-1", "alpha")
	env.pushNote(t, "inst-1", "note-2", "beta")
	last := env.pushNote(t, "inst-1", "note-3", "gamma")

	env.waitForCheckpoint(t, "inst-1", last.Position)

	assert.Equal(t, map[string]string{
		"note-1": "alpha",
		"note-2": "beta",
		"note-3": "gamma",
	}, env.noteTexts(t, "inst-1"))

	state, err := env.stores.States.Get(context.Background(), "notes", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, projection.StatusReady, state.Status)
}

func TestWorkerReplayIsIdempotent(t *testing.T) {
	env := newWorkerEnv(t)

	env.pushNote(t, "inst-1", "note-1", "alpha")
	last := env.pushNote(t, "inst-1", "note-2", "beta")
	env.waitForCheckpoint(t, "inst-1", last.Position)

	// Losing the checkpoint forces a full replay; upsert reducers must
	// converge to the same rows.
	_, err := env.db.Exec(
		`DELETE FROM projection_checkpoints WHERE projection_name = ? AND instance_id = ?`,
		"notes", "inst-1")
	require.NoError(t, err)

	env.waitForCheckpoint(t, "inst-1", last.Position)
	assert.Equal(t, map[string]string{
		"note-1": "alpha",
		"note-2": "beta",
	}, env.noteTexts(t, "inst-1"))
}

func TestWorkerContinuesPastFailedEvent(t *testing.T) {
	env := newWorkerEnv(t, projection.WithMaxFailureCount(100))
	env.proj.setPoison("poison", true)

	first := env.pushNote(t, "inst-1", "note-1", "alpha")
	bad := env.pushNote(t, "inst-1", "note-2", "poison")
	env.pushNote(t, "inst-1", "note-3", "gamma")

	// Later events are applied, the checkpoint stays before the gap.
	require.Eventually(t, func() bool {
		env.worker.Trigger("inst-1")
		return len(env.noteTexts(t, "inst-1")) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, first.Position, env.checkpoint(t, "inst-1"))

	fe, err := env.stores.Failed.Get(context.Background(), "notes", "inst-1", bad.Position)
	require.NoError(t, err)
	require.NotNil(t, fe)
	assert.GreaterOrEqual(t, fe.FailureCount, uint64(1))
	assert.Contains(t, fe.LastError, "poison")

	// Once the handler is fixed the retry closes the gap and the
	// checkpoint advances past everything.
	env.proj.setPoison("poison", false)
	last := env.pushNote(t, "inst-1", "note-4", "delta")
	env.waitForCheckpoint(t, "inst-1", last.Position)

	assert.Len(t, env.noteTexts(t, "inst-1"), 4)
	fe, err = env.stores.Failed.Get(context.Background(), "notes", "inst-1", bad.Position)
	require.NoError(t, err)
	assert.Nil(t, fe)
}

func TestWorkerDrainsAllBatchesPastFailure(t *testing.T) {
	env := newWorkerEnv(t,
		projection.WithBatchSize(1),
		projection.WithMaxFailureCount(100))
	env.proj.setPoison("poison", true)

	bad := env.pushNote(t, "inst-1", "note-1", "poison")
	env.pushNote(t, "inst-1", "note-2", "beta")
	env.pushNote(t, "inst-1", "note-3", "gamma")

	// A single pass must reach the events in batches after the failed
	// one, not leave them for the next tick.
	env.worker.Trigger("inst-1")
	require.Eventually(t, func() bool {
		return len(env.noteTexts(t, "inst-1")) == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, env.checkpoint(t, "inst-1").IsZero())

	fe, err := env.stores.Failed.Get(context.Background(), "notes", "inst-1", bad.Position)
	require.NoError(t, err)
	require.NotNil(t, fe)
}

func TestWorkerStrictOrderHaltsAtFailure(t *testing.T) {
	env := newWorkerEnv(t, projection.WithStrictOrder())
	env.proj.setPoison("poison", true)

	env.pushNote(t, "inst-1", "note-1", "alpha")
	env.pushNote(t, "inst-1", "note-2", "poison")
	env.pushNote(t, "inst-1", "note-3", "gamma")

	require.Eventually(t, func() bool {
		env.worker.Trigger("inst-1")
		return len(env.noteTexts(t, "inst-1")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Give the worker a chance to (wrongly) continue, then re-check.
	time.Sleep(50 * time.Millisecond)
	env.worker.Trigger("inst-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, map[string]string{"note-1": "alpha"}, env.noteTexts(t, "inst-1"))
}

func TestWorkerQuarantineAndSkip(t *testing.T) {
	env := newWorkerEnv(t, projection.WithMaxFailureCount(1))
	env.proj.setPoison("poison", true)

	bad := env.pushNote(t, "inst-1", "note-1", "poison")
	env.pushNote(t, "inst-1", "note-2", "beta")

	require.Eventually(t, func() bool {
		env.worker.Trigger("inst-1")
		state, err := env.stores.States.Get(context.Background(), "notes", "inst-1")
		require.NoError(t, err)
		return state.Status == projection.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Skipping records the decision and lets the checkpoint move on.
	require.NoError(t, env.worker.ResolveFailedEvent(
		context.Background(), "inst-1", bad.Position, projection.ResolveSkip))

	last := env.pushNote(t, "inst-1", "note-3", "gamma")
	env.waitForCheckpoint(t, "inst-1", last.Position)

	notes := env.noteTexts(t, "inst-1")
	assert.NotContains(t, notes, "note-1")
	assert.Contains(t, notes, "note-2")

	fe, err := env.stores.Failed.Get(context.Background(), "notes", "inst-1", bad.Position)
	require.NoError(t, err)
	require.NotNil(t, fe)
	assert.Equal(t, projection.ResolutionSkipped, fe.Resolution)
}

func TestWorkerQuarantineAndRetry(t *testing.T) {
	env := newWorkerEnv(t, projection.WithMaxFailureCount(1))
	env.proj.setPoison("poison", true)

	bad := env.pushNote(t, "inst-1", "note-1", "poison")

	require.Eventually(t, func() bool {
		env.worker.Trigger("inst-1")
		state, err := env.stores.States.Get(context.Background(), "notes", "inst-1")
		require.NoError(t, err)
		return state.Status == projection.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	env.proj.setPoison("poison", false)
	require.NoError(t, env.worker.ResolveFailedEvent(
		context.Background(), "inst-1", bad.Position, projection.ResolveRetry))

	env.waitForCheckpoint(t, "inst-1", bad.Position)
	assert.Contains(t, env.noteTexts(t, "inst-1"), "note-1")
}

func TestWorkerReset(t *testing.T) {
	env := newWorkerEnv(t)

	last := env.pushNote(t, "inst-1", "note-1", "alpha")
	env.waitForCheckpoint(t, "inst-1", last.Position)

	require.NoError(t, env.worker.Reset(context.Background(), "inst-1"))

	state, err := env.stores.States.Get(context.Background(), "notes", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, projection.StatusRebuilding, state.Status)
	assert.True(t, env.checkpoint(t, "inst-1").IsZero())

	// Replay rebuilds the read model from scratch.
	env.waitForCheckpoint(t, "inst-1", last.Position)
	assert.Equal(t, map[string]string{"note-1": "alpha"}, env.noteTexts(t, "inst-1"))
}

func TestWorkerEmitsApplySpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	env := newWorkerEnv(t)
	last := env.pushNote(t, "inst-1", "note-1", "alpha")
	env.waitForCheckpoint(t, "inst-1", last.Position)

	applySpan := func() sdktrace.ReadOnlySpan {
		for _, span := range recorder.Ended() {
			if span.Name() == "projection.apply" {
				return span
			}
		}
		return nil
	}
	require.Eventually(t, func() bool { return applySpan() != nil },
		time.Second, 5*time.Millisecond)

	span := applySpan()
	assert.Contains(t, span.Attributes(), attribute.String("projection", "notes"))
	assert.Contains(t, span.Attributes(), attribute.String("event_type", string(noteAddedType)))
}

func TestManagerRoutesOperations(t *testing.T) {
	env := newWorkerEnv(t)
	manager := projection.NewManager(env.stores.States, env.stores.Failed)
	manager.Register(env.worker)

	_, err := manager.Status(context.Background(), "unknown", "inst-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	last := env.pushNote(t, "inst-1", "note-1", "alpha")
	manager.Trigger("inst-1")
	env.waitForCheckpoint(t, "inst-1", last.Position)

	state, err := manager.Status(context.Background(), "notes", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, projection.StatusReady, state.Status)

	failed, err := manager.FailedEvents(context.Background(), "notes", "inst-1")
	require.NoError(t, err)
	assert.Empty(t, failed)
}
