// Package user implements the user aggregate: human users with a unique
// login name, an email address with verification, a password and a
// lifecycle of active, inactive and removed.
package user

import "github.com/plaenen/iamcore/pkg/domain"

// AggregateType is the user aggregate type.
const AggregateType domain.AggregateType = "user"

const aggregateVersion = "v1"

// Event types of the user aggregate.
const (
	HumanAddedType      domain.EventType = "user.human.added"
	UsernameChangedType domain.EventType = "user.username.changed"
	EmailChangedType    domain.EventType = "user.email.changed"
	EmailVerifiedType   domain.EventType = "user.email.verified"
	PasswordChangedType domain.EventType = "user.password.changed"
	DeactivatedType     domain.EventType = "user.deactivated"
	ReactivatedType     domain.EventType = "user.reactivated"
	RemovedType         domain.EventType = "user.removed"
)

// UniqueUsername is the constraint class reserving login names per
// instance.
const UniqueUsername = "usernames"

// NewAggregate builds the aggregate identity of a user.
func NewAggregate(instanceID, resourceOwner, userID string) domain.Aggregate {
	return domain.Aggregate{
		InstanceID:    instanceID,
		Type:          AggregateType,
		ID:            userID,
		ResourceOwner: resourceOwner,
		Version:       aggregateVersion,
	}
}

// NewAddUsernameConstraint reserves a login name.
func NewAddUsernameConstraint(username string) *domain.UniqueConstraint {
	return domain.NewAddUniqueConstraint(UniqueUsername, username, "username already taken")
}

// NewRemoveUsernameConstraint releases a login name.
func NewRemoveUsernameConstraint(username string) *domain.UniqueConstraint {
	return domain.NewRemoveUniqueConstraint(UniqueUsername, username)
}

// HumanAddedPayload is the body of user.human.added.
type HumanAddedPayload struct {
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash,omitempty"`
}

// UsernameChangedPayload is the body of user.username.changed.
type UsernameChangedPayload struct {
	Username string `json:"username"`
}

// EmailChangedPayload is the body of user.email.changed. The code is
// encrypted at rest; user.email.verified confirms it.
type EmailChangedPayload struct {
	Email            string `json:"email"`
	VerificationCode string `json:"verification_code,omitempty"`
}

// PasswordChangedPayload is the body of user.password.changed.
type PasswordChangedPayload struct {
	PasswordHash string `json:"password_hash"`
}
