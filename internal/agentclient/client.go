// ABOUTME: Agent side of the pull connection: authenticate, keep alive, run tasks, reconnect.
// ABOUTME: Run supervises one session at a time until Disconnect, auth failure or ctx end.

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/agent-relay/internal/protocol"
)

// ErrAuthFailed is returned by Run when the gateway rejects the credentials.
// The client does not reconnect after it.
var ErrAuthFailed = errors.New("authentication failed")

// Defaults for Config fields left zero.
const (
	DefaultPingInterval   = 25 * time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultAuthTimeout    = 10 * time.Second
)

// State is the connection lifecycle state.
type State int

// Lifecycle states
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TaskHandler processes one task. It runs on its own goroutine; ctx is
// cancelled when the gateway cancels the task, the connection drops or the
// client disconnects. Returning an error sends agent_error; returning nil
// without a terminal frame sends agent_complete with the streamed text.
type TaskHandler func(ctx context.Context, t *Task) error

// Config configures a Client.
type Config struct {
	URL            string // ws(s)://host/agent/connect
	AgentID        string
	Secret         string
	Skills         []protocol.Skill
	Handler        TaskHandler
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	AuthTimeout    time.Duration
	Header         http.Header
	Dialer         *websocket.Dialer
	Logger         *slog.Logger

	// OnStateChange, if set, is called after every transition.
	OnStateChange func(State)
}

// Client maintains a pull connection to the gateway.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	stopped bool
	socket  *protocol.Socket
	stopCh  chan struct{}
}

// New creates a Client. Call Run to connect.
func New(cfg Config) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "agentclient", "agent_id", cfg.AgentID),
		state:  StateDisconnected,
		stopCh: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.stopped && s != StateStopped) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("state changed", "state", s)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Disconnect stops the client: no further reconnects, the ping ticker ends
// and the socket closes. Safe to call more than once and from any goroutine.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	sock := c.socket
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	c.setState(StateStopped)
}

// Run connects and keeps the connection alive. It returns nil after
// Disconnect, ErrAuthFailed (wrapped) if the gateway rejects the agent, or
// ctx.Err() when ctx ends. Any other connection loss is retried after
// ReconnectDelay, indefinitely.
func (c *Client) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	for {
		if c.isStopped() {
			return nil
		}

		err := c.session(ctx)

		switch {
		case errors.Is(err, ErrAuthFailed):
			c.logger.Error("gateway rejected credentials", "error", err)
			c.Disconnect()
			return err
		case c.isStopped():
			return nil
		case ctx.Err() != nil:
			c.Disconnect()
			return ctx.Err()
		}

		c.setState(StateDisconnected)
		c.logger.Warn("connection lost, reconnecting", "error", err, "delay", c.cfg.ReconnectDelay)

		timer := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-timer.C:
		case <-c.stopCh:
			timer.Stop()
			return nil
		case <-ctx.Done():
			timer.Stop()
			c.Disconnect()
			return ctx.Err()
		}
	}
}

// session runs a single connection from dial to loss.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	sock := protocol.NewSocket(conn)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		sock.Close()
		return nil
	}
	c.socket = sock
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.socket == sock {
			c.socket = nil
		}
		c.mu.Unlock()
		sock.Close()
	}()

	// Reads do not observe ctx; closing the socket unblocks them.
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	if err := c.authenticate(sock); err != nil {
		return err
	}

	c.setState(StateConnected)
	c.logger.Info("connected to gateway", "url", c.cfg.URL)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		client: c,
		sock:   sock,
		tasks:  make(map[string]*taskEntry),
	}

	go s.pingLoop(sessCtx)
	return s.readLoop(sessCtx)
}

func (c *Client) authenticate(sock *protocol.Socket) error {
	c.setState(StateAuthenticating)

	if err := sock.WriteFrame(protocol.Auth(c.cfg.AgentID, c.cfg.Secret, c.cfg.Skills)); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	if err := sock.SetReadDeadline(time.Now().Add(c.cfg.AuthTimeout)); err != nil {
		return err
	}

	for {
		f, err := sock.ReadFrame()
		if errors.Is(err, protocol.ErrMalformedFrame) {
			c.logger.Debug("skipping malformed frame during auth", "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("awaiting auth reply: %w", err)
		}

		switch f.Type {
		case protocol.TypeAuthOK:
			return nil
		case protocol.TypeAuthError:
			return fmt.Errorf("%w: %s", ErrAuthFailed, f.Error)
		default:
			c.logger.Debug("ignoring frame before auth reply", "type", f.Type)
		}
	}
}

// session is the state of one authenticated connection.
type session struct {
	client *Client
	sock   *protocol.Socket

	mu    sync.Mutex
	tasks map[string]*taskEntry
}

// taskEntry is one running handler. A redelivered task id gets a new entry,
// so cleanup of the old handler cannot remove it.
type taskEntry struct {
	cancel context.CancelFunc
}

func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.client.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sock.WriteFrame(protocol.Ping()); err != nil {
				s.client.logger.Debug("ping failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) error {
	logger := s.client.logger
	// Pongs arrive every PingInterval; three missed ones mean the gateway is gone.
	idle := 3 * s.client.cfg.PingInterval

	for {
		if err := s.sock.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return err
		}

		f, err := s.sock.ReadFrame()
		if errors.Is(err, protocol.ErrMalformedFrame) {
			logger.Debug("skipping malformed frame", "error", err)
			continue
		}
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		switch f.Type {
		case protocol.TypeTask:
			s.startTask(ctx, f)
		case protocol.TypeCancel:
			s.cancelTask(f.TaskID)
		case protocol.TypePong:
			logger.Debug("pong")
		default:
			logger.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (s *session) startTask(ctx context.Context, f *protocol.Frame) {
	t := newTask(f, s.sock)
	taskCtx, cancel := context.WithCancel(ctx)

	entry := &taskEntry{cancel: cancel}

	s.mu.Lock()
	if prev, ok := s.tasks[t.ID]; ok {
		prev.cancel()
	}
	s.tasks[t.ID] = entry
	s.mu.Unlock()

	s.client.logger.Info("task received", "task_id", t.ID, "conversation_id", t.ConversationID)
	go s.runTask(taskCtx, entry, t)
}

func (s *session) cancelTask(taskID string) {
	s.mu.Lock()
	entry, ok := s.tasks[taskID]
	delete(s.tasks, taskID)
	s.mu.Unlock()

	if ok {
		s.client.logger.Info("task cancelled by gateway", "task_id", taskID)
		entry.cancel()
	}
}

func (s *session) runTask(ctx context.Context, entry *taskEntry, t *Task) {
	logger := s.client.logger.With("task_id", t.ID)

	defer func() {
		s.mu.Lock()
		if s.tasks[t.ID] == entry {
			delete(s.tasks, t.ID)
		}
		s.mu.Unlock()
		entry.cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("task handler panicked", "panic", r)
			if err := t.SendError(fmt.Sprintf("agent panic: %v", r)); err != nil && !errors.Is(err, ErrTaskFinished) {
				logger.Debug("could not report panic", "error", err)
			}
		}
	}()

	handler := s.client.cfg.Handler
	if handler == nil {
		_ = t.SendError("agent has no task handler")
		return
	}

	err := handler(ctx, t)

	if ctx.Err() != nil {
		// The gateway has already dropped the task.
		return
	}
	if t.Finished() {
		return
	}
	if err != nil {
		logger.Warn("task handler failed", "error", err)
		_ = t.SendError(err.Error())
		return
	}
	if err := t.SendComplete(t.Text()); err != nil {
		logger.Debug("could not send completion", "error", err)
	}
}
