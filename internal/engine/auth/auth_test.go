package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expertdesk/internal/domain"
)

func TestValidateWrapsInvalidPrincipal(t *testing.T) {
	cases := map[string]Principal{
		"no user id":  {Username: "erin", Role: domain.RoleExpert},
		"no username": {UserID: "e1", Username: "  ", Role: domain.RoleExpert},
		"bad role":    {UserID: "e1", Username: "erin", Role: "admin"},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, p.Validate(), ErrInvalidPrincipal)
			require.ErrorIs(t, RequireRole(p, domain.RoleExpert), ErrInvalidPrincipal)
		})
	}
	assert.NoError(t, Principal{UserID: "e1", Username: "erin", Role: domain.RoleExpert}.Validate())
}

func TestRequireRole(t *testing.T) {
	err := RequireRole(Principal{UserID: "q1", Username: "quinn", Role: domain.RoleQuestioner}, domain.RoleExpert)
	var fe ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.RoleExpert, fe.Role)
	assert.Equal(t, domain.RoleQuestioner, fe.Have)
}

func TestTokenRoundTripRejectsBlankUsername(t *testing.T) {
	now := time.Now()
	p := Principal{UserID: "e1", Username: "erin", Role: domain.RoleExpert}
	token, err := SignToken("s3cret", p, time.Hour, now)
	require.NoError(t, err)
	got, err := ParseToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "jwt", got.Source)
	assert.Equal(t, p.UserID, got.UserID)

	_, err = SignToken("s3cret", Principal{UserID: "e1", Role: domain.RoleExpert}, time.Hour, now)
	require.ErrorIs(t, err, ErrInvalidPrincipal)
}
