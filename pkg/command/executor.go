package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
	"github.com/plaenen/iamcore/pkg/idgen"
	"github.com/plaenen/iamcore/pkg/observability"
	"github.com/plaenen/iamcore/pkg/runner"
)

// Result is returned to the caller after a command committed.
type Result struct {
	// Events are the committed events, empty for no-op commands.
	Events []*domain.Event

	// Position is the position of the last committed event. Callers that
	// need read-your-writes wait for a projection to pass it.
	Position domain.Position
}

// Executor routes commands to their handlers and drives the
// load-validate-append cycle.
type Executor struct {
	es          eventstore.EventStore
	logger      runner.Logger
	maxAttempts uint64
	backoffBase time.Duration

	mu       sync.RWMutex
	handlers map[string]*Handler
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(logger runner.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithMaxAttempts bounds the transparent retries on concurrency
// conflicts. The default is 3 attempts in total; zero is clamped to one.
func WithMaxAttempts(n uint64) ExecutorOption {
	return func(e *Executor) {
		if n == 0 {
			n = 1
		}
		e.maxAttempts = n
	}
}

// WithRetryInterval sets the initial backoff between conflict retries.
func WithRetryInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.backoffBase = d }
}

// NewExecutor creates an Executor on top of the event store.
func NewExecutor(es eventstore.EventStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		es:          es,
		logger:      runner.NewNoopLogger(),
		maxAttempts: 3,
		backoffBase: 20 * time.Millisecond,
		handlers:    make(map[string]*Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a handler. Registering the same command type twice is a
// programming error.
func (e *Executor) Register(handlers ...*Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, h := range handlers {
		if _, exists := e.handlers[h.CommandType]; exists {
			panic(fmt.Sprintf("handler already registered for command type %s", h.CommandType))
		}
		e.handlers[h.CommandType] = h
	}
}

// Execute runs the command through its handler and appends the produced
// events. Concurrency conflicts are retried with jittered backoff up to
// the configured bound; every other error surfaces immediately, wrapped
// with the command id.
func (e *Executor) Execute(ctx context.Context, cmd Command) (*Result, error) {
	commandID := cmd.CommandID()
	if commandID == "" {
		commandID = idgen.New()
	}

	result, err := e.execute(ctx, cmd, commandID)
	if err != nil {
		observability.RecordCommandFailure(ctx, cmd.Type())
		return nil, &domain.CommandError{CommandID: commandID, Err: err}
	}
	return result, nil
}

func (e *Executor) execute(ctx context.Context, cmd Command, commandID string) (*Result, error) {
	e.mu.RLock()
	handler, ok := e.handlers[cmd.Type()]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no handler for command type %s", domain.ErrValidation, cmd.Type())
	}

	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     e.backoffBase,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}, e.maxAttempts-1), ctx)
	policy.Reset()

	var result *Result
	err := backoff.Retry(func() error {
		var err error
		result, err = e.attempt(ctx, cmd, handler, commandID)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			e.logger.Debug("concurrency conflict, retrying command",
				"command_type", cmd.Type(),
				"aggregate_id", cmd.Aggregate().ID)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) attempt(ctx context.Context, cmd Command, handler *Handler, commandID string) (*Result, error) {
	agg := cmd.Aggregate()

	model := handler.NewWriteModel(cmd)
	events, err := e.es.Filter(ctx, eventstore.NewSearchQueryBuilder().
		InstanceID(agg.InstanceID).
		AggregateTypes(agg.Type).
		AggregateIDs(agg.ID))
	if err != nil {
		return nil, fmt.Errorf("load write-model: %w", err)
	}
	model.Stage(events...)
	if err := model.Reduce(); err != nil {
		return nil, fmt.Errorf("reduce write-model: %w", err)
	}

	intents, err := handler.Handle(ctx, cmd, model)
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return &Result{}, nil
	}

	// Commands on existing aggregates may not know the owner; the
	// replayed model does.
	if agg.ResourceOwner == "" {
		if o, ok := model.(interface{ Owner() string }); ok {
			agg.ResourceOwner = o.Owner()
		}
	}

	expected := model.Sequence()
	pushed, err := e.es.Push(ctx, commandID, &eventstore.Write{
		Aggregate:        agg,
		Editor:           cmd.Editor(),
		ExpectedSequence: &expected,
		Events:           intents,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("command committed",
		"command_type", cmd.Type(),
		"aggregate_type", agg.Type,
		"aggregate_id", agg.ID,
		"events", len(pushed))

	return &Result{
		Events:   pushed,
		Position: pushed[len(pushed)-1].Position,
	}, nil
}
