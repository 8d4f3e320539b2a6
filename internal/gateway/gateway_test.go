// ABOUTME: Tests for gateway lifecycle, health endpoints and shared test helpers.
// ABOUTME: Runs the gateway handler behind httptest with a temp-dir SQLite store.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-relay/internal/agentclient"
	"github.com/2389/agent-relay/internal/auth"
	"github.com/2389/agent-relay/internal/config"
	"github.com/2389/agent-relay/internal/protocol"
	"github.com/2389/agent-relay/internal/store"
)

const waitFor = 3 * time.Second

type testGateway struct {
	*Gateway
	srv *httptest.Server
}

func (tg *testGateway) wsURL() string {
	return "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/agent/connect"
}

// newTestGateway builds a gateway from YAML (extra lines appended to the
// database section) and serves it with httptest.
func newTestGateway(t *testing.T, extraYAML string) *testGateway {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "relay.db")
	yaml := fmt.Sprintf("database:\n  path: %s\nmetrics:\n  enabled: true\n%s", dbPath, extraYAML)
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	return &testGateway{Gateway: gw, srv: srv}
}

// addAgent stores an agent record with a hashed secret.
func (tg *testGateway) addAgent(t *testing.T, id, secret, endpoint string) {
	t.Helper()
	rec := &store.Agent{ID: id, Name: id, Endpoint: endpoint}
	if secret != "" {
		hash, err := auth.HashSecret(secret)
		require.NoError(t, err)
		rec.SecretHash = hash
	}
	require.NoError(t, tg.store.CreateAgent(context.Background(), rec))
}

// dialAgent opens a raw pull connection and sends agent_auth, returning the
// socket and the gateway's reply.
func (tg *testGateway) dialAgent(t *testing.T, id, secret string, skills ...protocol.Skill) (*protocol.Socket, *protocol.Frame) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(tg.wsURL(), nil)
	require.NoError(t, err)
	sock := protocol.NewSocket(ws)
	t.Cleanup(func() { _ = sock.Close() })

	require.NoError(t, sock.WriteFrame(protocol.Auth(id, secret, skills)))
	return sock, readFrame(t, sock)
}

// startAgent runs an agentclient against the gateway and waits until the
// registry has it.
func (tg *testGateway) startAgent(t *testing.T, id, secret string, handler agentclient.TaskHandler) *agentclient.Client {
	t.Helper()
	c := agentclient.New(agentclient.Config{
		URL:            tg.wsURL(),
		AgentID:        id,
		Secret:         secret,
		Skills:         []protocol.Skill{{Name: "echo"}},
		Handler:        handler,
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(c.Disconnect)

	require.Eventually(t, func() bool { return tg.registry.IsConnected(id) }, waitFor, 5*time.Millisecond)
	return c
}

// readFrame reads the next non-pong frame with a deadline.
func readFrame(t *testing.T, sock *protocol.Socket) *protocol.Frame {
	t.Helper()
	require.NoError(t, sock.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		f, err := sock.ReadFrame()
		require.NoError(t, err)
		if f.Type != protocol.TypePong {
			return f
		}
	}
}

// expectClosed asserts the gateway closes the socket.
func expectClosed(t *testing.T, sock *protocol.Socket) {
	t.Helper()
	require.NoError(t, sock.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, err := sock.ReadFrame()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("socket was not closed")
		}
		return
	}
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, "")

	resp, err := http.Get(tg.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "OK", string(body))
}

func TestReadyRequiresConnectedAgent(t *testing.T) {
	tg := newTestGateway(t, "")

	resp, err := http.Get(tg.srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	tg.addAgent(t, "helper", "s3cret", "")
	tg.startAgent(t, "helper", "s3cret", nil)

	resp, err = http.Get(tg.srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ready (1 agents)", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t, "")
	tg.addAgent(t, "helper", "s3cret", "")
	tg.dialAgent(t, "helper", "s3cret")

	resp, err := http.Get(tg.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `relay_frames_total{direction="in",type="agent_auth"}`)
	assert.Contains(t, string(body), "relay_connected_agents")
}

func TestShutdownDisconnectsAgents(t *testing.T) {
	tg := newTestGateway(t, "")
	tg.addAgent(t, "helper", "s3cret", "")
	sock, reply := tg.dialAgent(t, "helper", "s3cret")
	require.Equal(t, protocol.TypeAuthOK, reply.Type)
	require.Eventually(t, func() bool { return tg.registry.IsConnected("helper") }, waitFor, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tg.Shutdown(ctx))
	assert.NoError(t, tg.Shutdown(ctx), "second shutdown is a no-op")

	assert.False(t, tg.registry.IsConnected("helper"))
	expectClosed(t, sock)
}

func TestRunServesUntilCancelled(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	cfg, err := config.Parse([]byte(fmt.Sprintf("server:\n  http_addr: 127.0.0.1:0\ndatabase:\n  path: %s\n", dbPath)))
	require.NoError(t, err)

	gw, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunFailsOnBadAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dbPath := filepath.Join(t.TempDir(), "relay.db")
	cfg, err := config.Parse([]byte(fmt.Sprintf("server:\n  http_addr: %s\ndatabase:\n  path: %s\n", ln.Addr().String(), dbPath)))
	require.NoError(t, err)

	gw, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(context.Background())
	assert.ErrorContains(t, err, "listening on HTTP address")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/relay")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(dir, filepath.Join("agent-relay", "tailscale")))
}
