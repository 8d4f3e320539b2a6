// ABOUTME: Verifies agent_auth credentials against stored secrets or signed tokens
// ABOUTME: Secrets are bcrypt hashes on the agent record; tokens are HS256 JWTs

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/agent-relay/internal/store"
)

// ErrInvalidCredentials is returned for any failed agent authentication.
// Callers must not reveal which part was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// dummyHash is compared against when the agent is unknown so that lookups
// for missing agents take as long as real ones.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// AgentLookup is the slice of the store the verifier needs.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// AgentVerifier checks the agentId and secretToken of an agent_auth frame.
type AgentVerifier struct {
	agents AgentLookup
	tokens TokenVerifier
}

// NewAgentVerifier creates a verifier. Either argument may be nil to disable
// that credential kind.
func NewAgentVerifier(agents AgentLookup, tokens TokenVerifier) *AgentVerifier {
	return &AgentVerifier{agents: agents, tokens: tokens}
}

// VerifyAgent accepts the credentials if secret is a valid token issued for
// agentID, or if it matches the bcrypt hash stored on the agent's record.
func (v *AgentVerifier) VerifyAgent(ctx context.Context, agentID, secret string) error {
	if agentID == "" || secret == "" {
		return ErrInvalidCredentials
	}

	if v.tokens != nil && looksLikeJWT(secret) {
		sub, err := v.tokens.Verify(secret)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		if sub != agentID {
			return ErrInvalidCredentials
		}
		return nil
	}

	if v.agents == nil {
		return ErrInvalidCredentials
	}

	agent, err := v.agents.GetAgent(ctx, agentID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(secret))
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("looking up agent: %w", err)
	}

	if agent.SecretHash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(secret))
		return ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(agent.SecretHash), []byte(secret)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashSecret returns the bcrypt hash stored on an agent record.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(hash), nil
}

// GenerateSecret returns a random 32-byte secret, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func looksLikeJWT(s string) bool {
	return strings.HasPrefix(s, "eyJ") && strings.Count(s, ".") == 2
}
