// Package command implements the command engine: it loads an aggregate's
// write-model by replaying its events, lets the registered handler
// validate and produce new events, and appends them under optimistic
// concurrency with bounded retry.
package command

import (
	"context"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
)

// Command is an intent to change state. Concrete commands are plain
// structs implementing this interface; their payload fields are read by
// the registered handler.
type Command interface {
	// CommandID groups the events written by this command and correlates
	// errors. Empty ids get a generated one.
	CommandID() string

	// Type routes the command to its handler (e.g. "user.human.add").
	Type() string

	// Aggregate identifies the target aggregate.
	Aggregate() domain.Aggregate

	// Editor is the authenticated actor.
	Editor() domain.Editor

	// Validate checks the command input in isolation. Failures are
	// domain.ErrValidation errors and never produce events.
	Validate() error
}

// WriteModel is transient aggregate state materialized by replaying the
// aggregate's events. Implementations embed Base and extend Reduce.
type WriteModel interface {
	// Reduce folds the staged events into the model's state.
	Reduce() error

	// Stage hands replayed events to the model for the next Reduce.
	Stage(events ...*domain.Event)

	// Sequence returns the last processed event sequence. It becomes the
	// expected sequence of the push.
	Sequence() uint64
}

// Handler binds a command type to its write-model and business logic.
type Handler struct {
	// CommandType routes commands to this handler.
	CommandType string

	// NewWriteModel creates the empty write-model for the target
	// aggregate of the command.
	NewWriteModel func(cmd Command) WriteModel

	// Handle validates preconditions against the reduced model and
	// returns the events to append. Handlers must be deterministic and
	// side-effect free; returning no events means the command is a
	// no-op.
	Handle func(ctx context.Context, cmd Command, model WriteModel) ([]*eventstore.Command, error)
}

// Base is the common part of every write-model.
type Base struct {
	AggregateID       string
	InstanceID        string
	ResourceOwner     string
	ProcessedSequence uint64
	State             domain.AggregateState

	staged []*domain.Event
}

// Stage implements WriteModel.
func (b *Base) Stage(events ...*domain.Event) {
	b.staged = append(b.staged, events...)
}

// Sequence implements WriteModel.
func (b *Base) Sequence() uint64 {
	return b.ProcessedSequence
}

// Owner returns the resource owner learned during replay.
func (b *Base) Owner() string {
	return b.ResourceOwner
}

// Staged drains the staged events; concrete Reduce implementations call
// it, dispatch each event, then call Done with it.
func (b *Base) Staged() []*domain.Event {
	return b.staged
}

// Done records an event as processed and clears the staging buffer up to
// and including it.
func (b *Base) Done(event *domain.Event) {
	b.ProcessedSequence = event.Sequence
	if b.ResourceOwner == "" {
		b.ResourceOwner = event.Aggregate.ResourceOwner
	}
	if b.InstanceID == "" {
		b.InstanceID = event.Aggregate.InstanceID
	}
	if b.AggregateID == "" {
		b.AggregateID = event.Aggregate.ID
	}
}

// ClearStaged empties the staging buffer after a Reduce pass.
func (b *Base) ClearStaged() {
	b.staged = nil
}
