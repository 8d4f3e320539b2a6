// Package auth authenticates agents opening a pull connection.
//
// # Credentials
//
// The secretToken of an agent_auth frame is accepted in one of two forms:
//
//   - Shared secret: compared against the bcrypt hash on the agent's store
//     record. Generated by `relay-gateway agent-add`.
//   - Signed token: an HS256 JWT whose sub claim is the agent id, signed with
//     auth.jwt_secret. Issued by `relay-gateway agent-token`.
//
// AgentVerifier tries the token path when the secret looks like a JWT and
// falls back to the stored hash otherwise. Every failure is reported as
// ErrInvalidCredentials so callers cannot leak which part was wrong.
package auth
