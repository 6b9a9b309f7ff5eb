// Package jwt issues and verifies the service tokens accepted by the
// pipeline's internal HTTP surface.
package jwt

import (
	"errors"
	"slices"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "peep-pipeline"

// Scopes granted to service tokens.
const (
	ScopeJobsWrite     = "jobs:write"
	ScopeJobsRead      = "jobs:read"
	ScopeProjectsRead  = "projects:read"
	ScopeProjectsWrite = "projects:write"
)

// Claims defines JWT payload. Subject names the calling service.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwtlib.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// GenerateToken issues a signed JWT for subject with provided secret and ttl.
func GenerateToken(subject string, scopes []string, secret string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("token subject required")
	}
	now := time.Now()
	claims := Claims{
		Scopes: scopes,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}
