package org

import (
	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/validators"
)

// Command types of the org aggregate.
const (
	CommandTypeAdd        = "org.add"
	CommandTypeChangeName = "org.name.change"
	CommandTypeDeactivate = "org.deactivate"
	CommandTypeReactivate = "org.reactivate"
	CommandTypeRemove     = "org.remove"
)

// Base carries the identity fields shared by all org commands.
type Base struct {
	InstanceID string
	OrgID      string
	Actor      domain.Editor
	ID         string
}

func (c Base) CommandID() string     { return c.ID }
func (c Base) Editor() domain.Editor { return c.Actor }

func (c Base) Aggregate() domain.Aggregate {
	return NewAggregate(c.InstanceID, c.OrgID)
}

func (c Base) validateIdentity() error {
	if err := validators.ID("instance_id", c.InstanceID); err != nil {
		return err
	}
	return validators.ID("org_id", c.OrgID)
}

// AddCommand creates an organisation with a reserved name.
type AddCommand struct {
	Base

	Name string
}

func (c *AddCommand) Type() string { return CommandTypeAdd }

func (c *AddCommand) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	return validators.DisplayName("name", c.Name)
}

// ChangeNameCommand renames the organisation, swapping the unique
// reservation atomically.
type ChangeNameCommand struct {
	Base

	Name string
}

func (c *ChangeNameCommand) Type() string { return CommandTypeChangeName }

func (c *ChangeNameCommand) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	return validators.DisplayName("name", c.Name)
}

// DeactivateCommand suspends an active organisation.
type DeactivateCommand struct{ Base }

func (c *DeactivateCommand) Type() string    { return CommandTypeDeactivate }
func (c *DeactivateCommand) Validate() error { return c.validateIdentity() }

// ReactivateCommand restores a deactivated organisation.
type ReactivateCommand struct{ Base }

func (c *ReactivateCommand) Type() string    { return CommandTypeReactivate }
func (c *ReactivateCommand) Validate() error { return c.validateIdentity() }

// RemoveCommand removes the organisation and releases its name.
type RemoveCommand struct{ Base }

func (c *RemoveCommand) Type() string    { return CommandTypeRemove }
func (c *RemoveCommand) Validate() error { return c.validateIdentity() }
