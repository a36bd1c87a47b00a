package user

import (
	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/validators"
)

// Base carries the identity fields shared by all user commands.
type Base struct {
	InstanceID    string
	ResourceOwner string
	UserID        string
	Actor         domain.Editor
	ID            string
}

func (c Base) CommandID() string     { return c.ID }
func (c Base) Editor() domain.Editor { return c.Actor }

func (c Base) Aggregate() domain.Aggregate {
	return NewAggregate(c.InstanceID, c.ResourceOwner, c.UserID)
}

func (c Base) validateIdentity() error {
	if err := validators.ID("instance_id", c.InstanceID); err != nil {
		return err
	}
	return validators.ID("user_id", c.UserID)
}

// AddHumanCommand creates a human user with a reserved username.
type AddHumanCommand struct {
	Base

	Username  string
	FirstName string
	LastName  string
	Email     string

	// Password is optional; users may also be created for invite flows
	// where the password is set later.
	Password string
}

// CommandTypeAddHuman and friends route commands to their handlers.
const (
	CommandTypeAddHuman       = "user.human.add"
	CommandTypeChangeUsername = "user.username.change"
	CommandTypeChangeEmail    = "user.email.change"
	CommandTypeVerifyEmail    = "user.email.verify"
	CommandTypeChangePassword = "user.password.change"
	CommandTypeDeactivate     = "user.deactivate"
	CommandTypeReactivate     = "user.reactivate"
	CommandTypeRemove         = "user.remove"
)

func (c *AddHumanCommand) Type() string { return CommandTypeAddHuman }

func (c *AddHumanCommand) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	if err := validators.ID("resource_owner", c.ResourceOwner); err != nil {
		return err
	}
	if err := validators.Username("username", c.Username); err != nil {
		return err
	}
	if err := validators.DisplayName("first_name", c.FirstName); err != nil {
		return err
	}
	if err := validators.DisplayName("last_name", c.LastName); err != nil {
		return err
	}
	if err := validators.Email("email", c.Email); err != nil {
		return err
	}
	if c.Password != "" {
		return validators.Password("password", c.Password)
	}
	return nil
}

// ChangeUsernameCommand renames the login name, swapping the unique
// reservation atomically.
type ChangeUsernameCommand struct {
	Base

	Username string
}

func (c *ChangeUsernameCommand) Type() string { return CommandTypeChangeUsername }

func (c *ChangeUsernameCommand) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	return validators.Username("username", c.Username)
}

// ChangeEmailCommand sets a new, unverified email address.
type ChangeEmailCommand struct {
	Base

	Email string
}

func (c *ChangeEmailCommand) Type() string { return CommandTypeChangeEmail }

func (c *ChangeEmailCommand) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	return validators.Email("email", c.Email)
}

// VerifyEmailCommand confirms the pending email with the one-time code.
type VerifyEmailCommand struct {
	Base

	Code string
}

func (c *VerifyEmailCommand) Type() string { return CommandTypeVerifyEmail }

func (c *VerifyEmailCommand) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	return validators.Required("code", c.Code)
}

// ChangePasswordCommand sets a new password. When OldPassword is set it
// is verified against the stored hash; operators may omit it.
type ChangePasswordCommand struct {
	Base

	OldPassword string
	NewPassword string
}

func (c *ChangePasswordCommand) Type() string { return CommandTypeChangePassword }

func (c *ChangePasswordCommand) Validate() error {
	if err := c.validateIdentity(); err != nil {
		return err
	}
	return validators.Password("new_password", c.NewPassword)
}

// DeactivateCommand suspends an active user.
type DeactivateCommand struct{ Base }

func (c *DeactivateCommand) Type() string    { return CommandTypeDeactivate }
func (c *DeactivateCommand) Validate() error { return c.validateIdentity() }

// ReactivateCommand restores a deactivated user.
type ReactivateCommand struct{ Base }

func (c *ReactivateCommand) Type() string    { return CommandTypeReactivate }
func (c *ReactivateCommand) Validate() error { return c.validateIdentity() }

// RemoveCommand removes the user and releases its username.
type RemoveCommand struct{ Base }

func (c *RemoveCommand) Type() string    { return CommandTypeRemove }
func (c *RemoveCommand) Validate() error { return c.validateIdentity() }

// NewBase builds the shared command fields.
func NewBase(instanceID, resourceOwner, userID string, editor domain.Editor) Base {
	return Base{
		InstanceID:    instanceID,
		ResourceOwner: resourceOwner,
		UserID:        userID,
		Actor:         editor,
	}
}
