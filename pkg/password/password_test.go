package password

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/iamcore/pkg/domain"
)

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("analytical-engine-1843", WithCost(MinCost))
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	require.NoError(t, Verify(hash, "analytical-engine-1843"))
	require.ErrorIs(t, Verify(hash, "wrong"), domain.ErrPreconditionFailed)
	require.ErrorIs(t, Verify(hash, ""), domain.ErrPreconditionFailed)
	require.ErrorIs(t, Verify("", "analytical-engine-1843"), domain.ErrPreconditionFailed)
}

func TestHashRejectsBadInput(t *testing.T) {
	_, err := Hash("")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = Hash(strings.Repeat("x", MaxLength+1))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestWithCostIgnoresOutOfRange(t *testing.T) {
	// An invalid cost keeps the default rather than failing the hash.
	hash, err := Hash("analytical-engine-1843", WithCost(-1))
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
}

func TestValidateStrength(t *testing.T) {
	require.NoError(t, ValidateStrength("analytical-engine-1843"))
	require.ErrorIs(t, ValidateStrength("aaaa"), domain.ErrValidation)
}
