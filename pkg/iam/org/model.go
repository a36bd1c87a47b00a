package org

import (
	"github.com/plaenen/iamcore/pkg/command"
	"github.com/plaenen/iamcore/pkg/domain"
)

// WriteModel is the org's replayed state used for command decisions.
type WriteModel struct {
	command.Base

	Name string
}

// NewWriteModel creates the empty model for one org.
func NewWriteModel(instanceID, orgID string) *WriteModel {
	m := &WriteModel{}
	m.InstanceID = instanceID
	m.AggregateID = orgID
	return m
}

// Reduce implements command.WriteModel.
func (m *WriteModel) Reduce() error {
	for _, event := range m.Staged() {
		switch event.Type {
		case AddedType:
			var p AddedPayload
			if err := event.UnmarshalPayload(&p); err != nil {
				return err
			}
			m.Name = p.Name
			m.State = domain.StateActive
		case NameChangedType:
			var p NameChangedPayload
			if err := event.UnmarshalPayload(&p); err != nil {
				return err
			}
			m.Name = p.Name
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
