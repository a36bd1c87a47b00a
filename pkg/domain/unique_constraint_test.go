package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniqueConstraintCaseFolding(t *testing.T) {
	add := NewAddUniqueConstraint("usernames", "ALICE", "taken")
	assert.Equal(t, "alice", add.UniqueField)
	assert.Equal(t, UniqueConstraintAdd, add.Action)
	assert.Equal(t, "taken", add.ErrorMessage)

	remove := NewRemoveUniqueConstraint("usernames", "Alice")
	assert.Equal(t, "alice", remove.UniqueField)
	assert.Equal(t, UniqueConstraintRemove, remove.Action)
}
