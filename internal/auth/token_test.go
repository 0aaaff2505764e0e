// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and the role claim

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("token-test-secret-at-least-32-bytes!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	require.NoError(t, err)
	return v
}

func TestNewJWTVerifier_RejectsShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("operator-1", time.Hour)
	require.NoError(t, err)

	gotID, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", gotID)
}

func TestJWTVerifier_NoExpiry(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("operator-1", 0)
	require.NoError(t, err)

	gotID, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "operator-1", gotID)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := newTestVerifier(t)

	other, err := NewJWTVerifier([]byte("a-completely-different-32b-secret!!"))
	require.NoError(t, err)
	wrongSecret, err := other.Generate("operator-1", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "garbage token", token: "not-a-jwt-token"},
		{name: "malformed JWT", token: "header.payload.signature"},
		{name: "wrong secret", token: wrongSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := verifier.Generate("operator-1", -time.Hour)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier := newTestVerifier(t)

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		return token
	}

	_, err := verifier.Verify(sign(jwt.MapClaims{"role": AgentRole}))
	assert.ErrorIs(t, err, ErrMissingClaim, "sub is required")

	_, err = verifier.Verify(sign(jwt.MapClaims{"sub": "operator-1"}))
	assert.ErrorIs(t, err, ErrMissingClaim, "role is required")

	_, err = verifier.Verify(sign(jwt.MapClaims{"sub": "operator-1", "role": "client"}))
	assert.ErrorIs(t, err, ErrMissingClaim, "only agent tokens are accepted")
}

func TestJWTVerifier_RejectsOtherAlgorithms(t *testing.T) {
	verifier := newTestVerifier(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"sub":  "operator-1",
		"role": AgentRole,
	}).SignedString(testSecret)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
