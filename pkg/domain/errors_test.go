package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrorsMatchTheirSentinel(t *testing.T) {
	assert.ErrorIs(t, NewValidationError("email", "is not valid"), ErrValidation)
	assert.ErrorIs(t, NewUniqueConstraintError("usernames", "alice", ""), ErrUniqueConstraintViolation)
	assert.ErrorIs(t, NewPreconditionError(Aggregate{Type: "user", ID: "u1"}, "removed"), ErrPreconditionFailed)
}

func TestUniqueConstraintErrorMessage(t *testing.T) {
	err := NewUniqueConstraintError("usernames", "alice", "username already taken")
	assert.Equal(t, "username already taken", err.Error())

	// Without a supplied message a generic one names the tuple.
	fallback := NewUniqueConstraintError("usernames", "alice", "")
	assert.Contains(t, fallback.Error(), "usernames")
	assert.Contains(t, fallback.Error(), "alice")
}

func TestCommandErrorUnwraps(t *testing.T) {
	inner := NewValidationError("username", "must not be empty")
	err := &CommandError{CommandID: "cmd-1", Err: fmt.Errorf("handle: %w", inner)}

	require.ErrorIs(t, err, ErrValidation)
	var validation *ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "username", validation.Field)
	assert.Contains(t, err.Error(), "cmd-1")
}
