// ABOUTME: Tests for AgentVerifier covering stored secrets and signed tokens
// ABOUTME: Uses the in-memory MockStore for agent records

package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/store"
)

func newTestVerifier(t *testing.T) (*AgentVerifier, *store.MockStore, *JWTVerifier) {
	t.Helper()
	agents := store.NewMockStore()
	tokens := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))

	hash, err := HashSecret("s3cret")
	require.NoError(t, err)
	require.NoError(t, agents.CreateAgent(context.Background(), &store.Agent{
		ID:         "agent-1",
		Name:       "One",
		SecretHash: hash,
	}))
	require.NoError(t, agents.CreateAgent(context.Background(), &store.Agent{
		ID:   "token-only",
		Name: "No secret",
	}))

	return NewAgentVerifier(agents, tokens), agents, tokens
}

func TestVerifyAgent_Secret(t *testing.T) {
	v, _, _ := newTestVerifier(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		agentID string
		secret  string
		wantErr bool
	}{
		{"correct secret", "agent-1", "s3cret", false},
		{"wrong secret", "agent-1", "nope", true},
		{"unknown agent", "ghost", "s3cret", true},
		{"agent without secret hash", "token-only", "anything", true},
		{"empty agent id", "", "s3cret", true},
		{"empty secret", "agent-1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifyAgent(ctx, tt.agentID, tt.secret)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifyAgent_Token(t *testing.T) {
	v, _, tokens := newTestVerifier(t)
	ctx := context.Background()

	token, err := tokens.Generate("token-only", time.Hour)
	require.NoError(t, err)

	assert.NoError(t, v.VerifyAgent(ctx, "token-only", token))

	// A token issued for another agent is rejected.
	assert.ErrorIs(t, v.VerifyAgent(ctx, "agent-1", token), ErrInvalidCredentials)

	expired, err := tokens.Generate("token-only", -time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, v.VerifyAgent(ctx, "token-only", expired), ErrInvalidCredentials)
}

func TestVerifyAgent_TokensDisabled(t *testing.T) {
	agents := store.NewMockStore()
	v := NewAgentVerifier(agents, nil)

	token, err := NewJWTVerifier([]byte("k")).Generate("agent-1", time.Hour)
	require.NoError(t, err)

	assert.ErrorIs(t, v.VerifyAgent(context.Background(), "agent-1", token), ErrInvalidCredentials)
}

func TestVerifyAgent_StoreFailure(t *testing.T) {
	v, agents, _ := newTestVerifier(t)
	agents.GetAgentErr = errors.New("database is locked")

	err := v.VerifyAgent(context.Background(), "agent-1", "s3cret")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
	assert.Contains(t, err.Error(), "database is locked")
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	require.NoError(t, err)
	b, err := GenerateSecret()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestHashSecretRoundTrip(t *testing.T) {
	hash, err := HashSecret("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	agents := store.NewMockStore()
	require.NoError(t, agents.CreateAgent(context.Background(), &store.Agent{ID: "a", SecretHash: hash}))
	v := NewAgentVerifier(agents, nil)
	assert.NoError(t, v.VerifyAgent(context.Background(), "a", "hunter2"))
}
