package jwt

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("dashboard", []string{ScopeJobsWrite}, "secret", time.Minute)
	require.NoError(t, err)

	claims, err := Parse(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, "dashboard", claims.Subject)
	assert.True(t, claims.HasScope(ScopeJobsWrite))
	assert.False(t, claims.HasScope(ScopeProjectsWrite))
}

func TestParseRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := GenerateToken("dashboard", nil, "secret", time.Minute)
	require.NoError(t, err)
	_, err = Parse(token, "other")
	require.Error(t, err)

	expired, err := GenerateToken("dashboard", nil, "secret", -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, "secret")
	require.ErrorIs(t, err, jwtlib.ErrTokenExpired)
}

func TestParseRejectsForeignIssuer(t *testing.T) {
	claims := Claims{RegisteredClaims: jwtlib.RegisteredClaims{
		Issuer:    "someone-else",
		Subject:   "dashboard",
		ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = Parse(token, "secret")
	require.Error(t, err)
}

func TestGenerateRequiresSubject(t *testing.T) {
	_, err := GenerateToken("", nil, "secret", time.Minute)
	require.Error(t, err)
}
