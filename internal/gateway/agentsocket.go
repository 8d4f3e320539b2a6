// ABOUTME: Server side of the agent pull connection at GET /agent/connect.
// ABOUTME: Authenticates the first frame, registers the agent and routes its replies.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/auth"
	"github.com/2389/agent-relay/internal/metrics"
	"github.com/2389/agent-relay/internal/protocol"
)

// Reasons sent in auth_error frames.
const (
	authErrExpectedAuth = "expected agent_auth"
	authErrMissingID    = "agentId is required"
	authErrInvalid      = "invalid credentials"
	authErrUnavailable  = "authentication unavailable"
	authErrShuttingDown = "gateway shutting down"
)

var errAuthRejected = errors.New("agent authentication rejected")

// handleAgentConnect upgrades the request and serves one agent until its
// socket closes or goes silent for agents.heartbeat_timeout.
func (g *Gateway) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sock := protocol.NewSocket(ws)

	conn, err := g.authenticateAgent(r.Context(), sock)
	if err != nil {
		g.logger.Warn("agent authentication failed", "remote", sock.RemoteAddr(), "error", err)
		_ = sock.Close()
		return
	}
	defer g.registry.Release(conn)

	g.serveAgent(conn, sock)
}

// authenticateAgent reads the agent_auth frame, verifies it and registers
// the connection. On failure an auth_error frame has been sent.
func (g *Gateway) authenticateAgent(ctx context.Context, sock *protocol.Socket) (*agent.Connection, error) {
	if err := sock.SetReadDeadline(time.Now().Add(g.config.Agents.HeartbeatTimeout)); err != nil {
		return nil, err
	}

	f, err := sock.ReadFrame()
	if errors.Is(err, protocol.ErrMalformedFrame) {
		g.rejectAgent(sock, authErrExpectedAuth)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("awaiting agent_auth: %w", err)
	}
	metrics.RecordFrame("in", f.Type)

	if f.Type != protocol.TypeAgentAuth {
		g.rejectAgent(sock, authErrExpectedAuth)
		return nil, fmt.Errorf("%w: first frame was %q", errAuthRejected, f.Type)
	}
	if f.AgentID == "" {
		g.rejectAgent(sock, authErrMissingID)
		return nil, fmt.Errorf("%w: %s", errAuthRejected, authErrMissingID)
	}

	if err := g.verifier.VerifyAgent(ctx, f.AgentID, f.SecretToken); err != nil {
		reason := authErrInvalid
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			reason = authErrUnavailable
		}
		g.rejectAgent(sock, reason)
		return nil, fmt.Errorf("agent %s: %w", f.AgentID, err)
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		ID:         f.AgentID,
		Skills:     f.Skills,
		RemoteAddr: sock.RemoteAddr(),
		Socket:     sock,
		Logger:     g.logger,
	})

	// auth_ok goes out before the agent becomes dispatchable so a task
	// frame can never precede it.
	if err := conn.Send(protocol.AuthOK()); err != nil {
		return nil, fmt.Errorf("sending auth_ok: %w", err)
	}
	if _, err := g.registry.Register(conn); err != nil {
		g.rejectAgent(sock, authErrShuttingDown)
		return nil, err
	}
	return conn, nil
}

func (g *Gateway) rejectAgent(sock *protocol.Socket, reason string) {
	if err := sock.WriteFrame(protocol.AuthError(reason)); err != nil {
		g.logger.Debug("could not send auth_error", "error", err)
		return
	}
	metrics.RecordFrame("out", protocol.TypeAuthError)
}

// serveAgent reads frames until the socket fails. Any inbound frame counts
// as liveness.
func (g *Gateway) serveAgent(conn *agent.Connection, sock *protocol.Socket) {
	logger := g.logger.With("agent_id", conn.ID)
	heartbeat := g.config.Agents.HeartbeatTimeout

	for {
		if err := sock.SetReadDeadline(time.Now().Add(heartbeat)); err != nil {
			logger.Debug("setting read deadline failed", "error", err)
			return
		}

		f, err := sock.ReadFrame()
		if errors.Is(err, protocol.ErrMalformedFrame) {
			logger.Debug("skipping malformed frame", "error", err)
			continue
		}
		if err != nil {
			logReadError(logger, err)
			return
		}
		metrics.RecordFrame("in", f.Type)

		switch f.Type {
		case protocol.TypePing:
			if err := conn.Send(protocol.Pong()); err != nil {
				logger.Warn("failed to send pong", "error", err)
				return
			}
		case protocol.TypeAgentChunk, protocol.TypeAgentComplete, protocol.TypeAgentError:
			conn.HandleFrame(f)
		case protocol.TypeAgentAuth:
			logger.Warn("ignoring repeated agent_auth")
		default:
			logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func logReadError(logger *slog.Logger, err error) {
	var netErr interface{ Timeout() bool }
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		logger.Debug("agent closed connection")
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Warn("agent heartbeat timeout")
	default:
		logger.Debug("agent socket read failed", "error", err)
	}
}
