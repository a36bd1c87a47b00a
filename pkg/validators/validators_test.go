package validators

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/iamcore/pkg/domain"
)

func TestValidators(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		valid bool
	}{
		{"required ok", Required("f", "x"), true},
		{"required empty", Required("f", ""), false},
		{"required whitespace", Required("f", "  \t"), false},
		{"id ok", ID("f", "inst-1"), true},
		{"id too long", ID("f", strings.Repeat("x", 201)), false},
		{"email ok", Email("f", "ada@example.com"), true},
		{"email invalid", Email("f", "not-an-email"), false},
		{"username ok", Username("f", "ada"), true},
		{"username too short", Username("f", "a"), false},
		{"username whitespace", Username("f", "ada lovelace"), false},
		{"display name ok", DisplayName("f", "Ada Lovelace"), true},
		{"display name too long", DisplayName("f", strings.Repeat("x", 201)), false},
		{"password ok", Password("f", "analytical-engine-1843"), true},
		{"password weak", Password("f", "aaaa"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.valid {
				require.NoError(t, tt.err)
				return
			}
			require.ErrorIs(t, tt.err, domain.ErrValidation)
		})
	}
}

func TestValidationErrorNamesField(t *testing.T) {
	err := Email("contact_email", "nope")
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "contact_email", verr.Field)
}
