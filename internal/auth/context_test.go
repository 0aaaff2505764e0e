// ABOUTME: Tests for AuthContext propagation through context.Context
// ABOUTME: Verifies round-trip, missing values and role checks

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithAuth_RoundTrip(t *testing.T) {
	authCtx := &AuthContext{PrincipalID: "operator-1", Role: AgentRole}
	ctx := WithAuth(context.Background(), authCtx)

	assert.Same(t, authCtx, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
}

func TestFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), authContextKey{}, "not an auth context")
	assert.Nil(t, FromContext(ctx))
}

func TestAuthContext_IsAgent(t *testing.T) {
	assert.True(t, (&AuthContext{Role: AgentRole}).IsAgent())
	assert.False(t, (&AuthContext{Role: "client"}).IsAgent())

	var missing *AuthContext
	assert.False(t, missing.IsAgent())
}
