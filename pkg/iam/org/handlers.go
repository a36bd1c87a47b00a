package org

import (
	"context"
	"fmt"

	"github.com/plaenen/iamcore/pkg/command"
	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/eventstore"
)

// Register wires all org handlers into the executor.
func Register(exec *command.Executor) {
	exec.Register(
		&command.Handler{CommandType: CommandTypeAdd, NewWriteModel: newModel, Handle: add},
		&command.Handler{CommandType: CommandTypeChangeName, NewWriteModel: newModel, Handle: changeName},
		&command.Handler{CommandType: CommandTypeDeactivate, NewWriteModel: newModel, Handle: deactivate},
		&command.Handler{CommandType: CommandTypeReactivate, NewWriteModel: newModel, Handle: reactivate},
		&command.Handler{CommandType: CommandTypeRemove, NewWriteModel: newModel, Handle: remove},
	)
}

func newModel(cmd command.Command) command.WriteModel {
	agg := cmd.Aggregate()
	return NewWriteModel(agg.InstanceID, agg.ID)
}

func add(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*AddCommand)
	m := model.(*WriteModel)

	if m.State.Exists() {
		return nil, domain.NewPreconditionError(c.Aggregate(), "organisation already exists")
	}

	return []*eventstore.Command{{
		Type:        AddedType,
		Payload:     AddedPayload{Name: c.Name},
		Constraints: []*domain.UniqueConstraint{NewAddNameConstraint(c.Name)},
	}}, nil
}

func changeName(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*ChangeNameCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	if m.Name == c.Name {
		return nil, nil
	}

	return []*eventstore.Command{{
		Type:    NameChangedType,
		Payload: NameChangedPayload{Name: c.Name},
		Constraints: []*domain.UniqueConstraint{
			NewRemoveNameConstraint(m.Name),
			NewAddNameConstraint(c.Name),
		},
	}}, nil
}

func deactivate(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*DeactivateCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	if m.State == domain.StateInactive {
		return nil, nil
	}

	return []*eventstore.Command{{Type: DeactivatedType}}, nil
}

func reactivate(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*ReactivateCommand)
	m, err := existing(c.Aggregate(), model)
	if err != nil {
		return nil, err
	}
	if m.State == domain.StateActive {
		return nil, nil
	}

	return []*eventstore.Command{{Type: ReactivatedType}}, nil
}

func remove(ctx context.Context, cmd command.Command, model command.WriteModel) ([]*eventstore.Command, error) {
	c := cmd.(*RemoveCommand)
	m := model.(*WriteModel)
	if m.State == domain.StateRemoved {
		return nil, nil
	}
	if !m.State.Exists() {
		return nil, fmt.Errorf("%w: org %s", domain.ErrNotFound, c.OrgID)
	}

	return []*eventstore.Command{{
		Type: RemovedType,
		Constraints: []*domain.UniqueConstraint{
			NewRemoveNameConstraint(m.Name),
		},
	}}, nil
}

func existing(agg domain.Aggregate, model command.WriteModel) (*WriteModel, error) {
	m := model.(*WriteModel)
	if !m.State.Exists() {
		return nil, fmt.Errorf("%w: org %s", domain.ErrNotFound, agg.ID)
	}
	return m, nil
}
