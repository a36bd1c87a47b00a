// Package validators holds the field-level input checks shared by the
// command surface. Every failure is a domain.ValidationError naming the
// offending field, so transports can map it to a structured response.
package validators

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"

	"github.com/plaenen/iamcore/pkg/domain"
	"github.com/plaenen/iamcore/pkg/password"
)

const (
	maxIDLength       = 200
	minUsernameLength = 2
	maxUsernameLength = 200
	maxNameLength     = 200
)

// Required rejects empty or whitespace-only values.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.NewValidationError(field, "must not be empty")
	}
	return nil
}

// ID checks an identifier field (instance id, aggregate id, owner).
func ID(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if len(value) > maxIDLength {
		return domain.NewValidationError(field, fmt.Sprintf("must be at most %d characters", maxIDLength))
	}
	return nil
}

// Email checks syntactic validity of an email address.
func Email(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if !govalidator.IsEmail(value) {
		return domain.NewValidationError(field, "is not a valid email address")
	}
	return nil
}

// Username checks length and charset of a login name. Uniqueness is not
// checked here; the unique constraint on append is authoritative.
func Username(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	n := utf8.RuneCountInString(value)
	if n < minUsernameLength || n > maxUsernameLength {
		return domain.NewValidationError(field,
			fmt.Sprintf("must be between %d and %d characters", minUsernameLength, maxUsernameLength))
	}
	if strings.ContainsAny(value, " \t\n") {
		return domain.NewValidationError(field, "must not contain whitespace")
	}
	return nil
}

// DisplayName checks a human-readable name field.
func DisplayName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if utf8.RuneCountInString(value) > maxNameLength {
		return domain.NewValidationError(field, fmt.Sprintf("must be at most %d characters", maxNameLength))
	}
	return nil
}

// Password checks presence and strength of a new password.
func Password(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := password.ValidateStrength(value); err != nil {
		return err
	}
	return nil
}
