package domain

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// UniqueConstraintAction defines operations on the unique constraint
// registry. Operations are never executed directly; they travel with an
// event push and commit or roll back with it.
type UniqueConstraintAction int

const (
	// UniqueConstraintAdd reserves the (instance, type, field) tuple.
	// Reserving an already-held tuple fails the entire push.
	UniqueConstraintAdd UniqueConstraintAction = iota

	// UniqueConstraintRemove releases the tuple. Removing a tuple that
	// is not held is a no-op.
	UniqueConstraintRemove
)

// UniqueConstraint is a cross-aggregate "at most one owner of key K"
// reservation scoped to an instance.
type UniqueConstraint struct {
	// UniqueType names the constraint class (e.g. "usernames").
	UniqueType string

	// UniqueField is the value being reserved or released.
	UniqueField string

	// Action is add or remove.
	Action UniqueConstraintAction

	// ErrorMessage is the domain message surfaced to the caller when an
	// add collides with an existing reservation.
	ErrorMessage string
}

var lowerCaser = cases.Lower(language.Und)

// NewAddUniqueConstraint reserves uniqueField under uniqueType. The field
// is case-folded so reservations are case-insensitive.
func NewAddUniqueConstraint(uniqueType, uniqueField, errMessage string) *UniqueConstraint {
	return &UniqueConstraint{
		UniqueType:   uniqueType,
		UniqueField:  lowerCaser.String(uniqueField),
		Action:       UniqueConstraintAdd,
		ErrorMessage: errMessage,
	}
}

// NewRemoveUniqueConstraint releases uniqueField under uniqueType.
func NewRemoveUniqueConstraint(uniqueType, uniqueField string) *UniqueConstraint {
	return &UniqueConstraint{
		UniqueType:  uniqueType,
		UniqueField: lowerCaser.String(uniqueField),
		Action:      UniqueConstraintRemove,
	}
}
