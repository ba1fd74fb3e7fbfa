package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify_RoundTrips(t *testing.T) {
	v := NewVerifier("test-secret", "twinops")
	token, err := v.Issue("alice", []string{"operator"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "alice", id.Actor)
	require.Equal(t, []string{"operator"}, id.Roles)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	issuer := NewVerifier("secret-a", "twinops")
	token, err := issuer.Issue("alice", []string{"operator"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)

	verifier := NewVerifier("secret-b", "twinops")
	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	v := NewVerifier("test-secret", "twinops")
	token, err := v.Issue("alice", []string{"operator"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	require.NoError(t, err)

	_, err = v.Verify(token)
	require.Error(t, err)
}
