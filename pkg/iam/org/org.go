// Package org implements the organisation aggregate: named tenants below
// an instance, with a unique name and an active/inactive lifecycle.
package org

import "github.com/plaenen/iamcore/pkg/domain"

// AggregateType is the org aggregate type.
const AggregateType domain.AggregateType = "org"

const aggregateVersion = "v1"

// Event types of the org aggregate.
const (
	AddedType       domain.EventType = "org.added"
	NameChangedType domain.EventType = "org.name.changed"
	DeactivatedType domain.EventType = "org.deactivated"
	ReactivatedType domain.EventType = "org.reactivated"
	RemovedType     domain.EventType = "org.removed"
)

// UniqueOrgName is the constraint class reserving org names per instance.
const UniqueOrgName = "org_names"

// NewAggregate builds the aggregate identity of an org. Orgs own
// themselves.
func NewAggregate(instanceID, orgID string) domain.Aggregate {
	return domain.Aggregate{
		InstanceID:    instanceID,
		Type:          AggregateType,
		ID:            orgID,
		ResourceOwner: orgID,
		Version:       aggregateVersion,
	}
}

// NewAddNameConstraint reserves an org name.
func NewAddNameConstraint(name string) *domain.UniqueConstraint {
	return domain.NewAddUniqueConstraint(UniqueOrgName, name, "organisation name already taken")
}

// NewRemoveNameConstraint releases an org name.
func NewRemoveNameConstraint(name string) *domain.UniqueConstraint {
	return domain.NewRemoveUniqueConstraint(UniqueOrgName, name)
}

// AddedPayload is the body of org.added.
type AddedPayload struct {
	Name string `json:"name"`
}

// NameChangedPayload is the body of org.name.changed.
type NameChangedPayload struct {
	Name string `json:"name"`
}
