// Package password wraps bcrypt hashing and entropy-based strength
// checking for human user secrets.
package password

import (
	"fmt"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"

	"github.com/plaenen/iamcore/pkg/domain"
)

const (
	MinCost     = bcrypt.MinCost
	MaxCost     = 31
	DefaultCost = 12

	// MaxLength rejects absurd inputs before they reach bcrypt.
	MaxLength = 128

	// minEntropyBits is the strength floor for new passwords.
	minEntropyBits = 60
)

// Option configures hashing.
type Option func(*options)

type options struct {
	cost int
}

// WithCost overrides the bcrypt cost factor. Out-of-range values keep
// the default.
func WithCost(cost int) Option {
	return func(o *options) {
		if cost >= MinCost && cost <= MaxCost {
			o.cost = cost
		}
	}
}

// Hash derives a bcrypt hash from the plaintext password.
func Hash(plain string, opts ...Option) (string, error) {
	if plain == "" {
		return "", domain.NewValidationError("password", "must not be empty")
	}
	if len(plain) > MaxLength {
		return "", domain.NewValidationError("password", fmt.Sprintf("must be at most %d bytes", MaxLength))
	}

	o := &options{cost: DefaultCost}
	for _, opt := range opts {
		opt(o)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), o.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify compares a stored hash with a plaintext candidate. A mismatch
// is reported as domain.ErrPreconditionFailed so callers do not leak
// whether the hash or the input was at fault.
func Verify(hash, plain string) error {
	if hash == "" || plain == "" {
		return fmt.Errorf("%w: wrong password", domain.ErrPreconditionFailed)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)); err != nil {
		return fmt.Errorf("%w: wrong password", domain.ErrPreconditionFailed)
	}
	return nil
}

// ValidateStrength rejects passwords below the entropy floor.
func ValidateStrength(plain string) error {
	if err := passwordvalidator.Validate(plain, minEntropyBits); err != nil {
		return domain.NewValidationError("password", err.Error())
	}
	return nil
}
