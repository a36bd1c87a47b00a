package user

import (
	"github.com/plaenen/iamcore/pkg/command"
	"github.com/plaenen/iamcore/pkg/domain"
)

// WriteModel is the user's replayed state used for command decisions.
type WriteModel struct {
	command.Base

	Username              string
	FirstName             string
	LastName              string
	Email                 string
	EmailVerified         bool
	EmailVerificationCode string
	PasswordHash          string
}

// NewWriteModel creates the empty model for one user.
func NewWriteModel(instanceID, userID string) *WriteModel {
	m := &WriteModel{}
	m.InstanceID = instanceID
	m.AggregateID = userID
	return m
}

// Reduce implements command.WriteModel.
func (m *WriteModel) Reduce() error {
	for _, event := range m.Staged() {
		switch event.Type {
		case HumanAddedType:
			var p HumanAddedPayload
			if err := event.UnmarshalPayload(&p); err != nil {
				return err
			}
			m.Username = p.Username
			m.FirstName = p.FirstName
			m.LastName = p.LastName
			m.Email = p.Email
			m.PasswordHash = p.PasswordHash
			m.State = domain.StateActive
		case UsernameChangedType:
			var p UsernameChangedPayload
			if err := event.UnmarshalPayload(&p); err != nil {
				return err
			}
			m.Username = p.Username
		case EmailChangedType:
			var p EmailChangedPayload
			if err := event.UnmarshalPayload(&p); err != nil {
				return err
			}
			m.Email = p.Email
			m.EmailVerified = false
			m.EmailVerificationCode = p.VerificationCode
		case EmailVerifiedType:
			m.EmailVerified = true
			m.EmailVerificationCode = ""
		case PasswordChangedType:
			var p PasswordChangedPayload
			if err := event.UnmarshalPayload(&p); err != nil {
				return err
			}
			m.PasswordHash = p.PasswordHash
		case DeactivatedType:
			m.State = domain.StateInactive
		case ReactivatedType:
			m.State = domain.StateActive
		case RemovedType:
			m.State = domain.StateRemoved
		}
		m.Done(event)
	}
	m.ClearStaged()
	return nil
}

// Aggregate returns the aggregate identity matching the model.
func (m *WriteModel) Aggregate() domain.Aggregate {
	return NewAggregate(m.InstanceID, m.ResourceOwner, m.AggregateID)
}
