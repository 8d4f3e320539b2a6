// ABOUTME: Routes a task to an agent over the pull connection or the external A2A transport.
// ABOUTME: Every task gets a fresh id and a task.Stream that resolves exactly once.

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-relay/internal/agent"
	"github.com/2389/agent-relay/internal/metrics"
	"github.com/2389/agent-relay/internal/store"
	"github.com/2389/agent-relay/internal/task"
)

// Transport identifies how a task reached its agent.
type Transport string

// Transports
const (
	TransportPull     Transport = metrics.TransportPull
	TransportExternal Transport = metrics.TransportExternal
	TransportNone     Transport = metrics.TransportNone
)

// Request is a task addressed to one agent. TaskID is generated when empty.
type Request struct {
	AgentID string
	TaskID  string
	agent.TaskRequest
}

// PullTransport is the registry of live pull connections.
type PullTransport interface {
	IsConnected(agentID string) bool
	Dispatch(agentID string, req *agent.TaskRequest, s *task.Stream)
}

// AgentDirectory looks up agent records for agents that are not connected.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// ExternalClient streams a task to an A2A endpoint, firing exactly one
// terminal callback before returning.
type ExternalClient interface {
	StreamTask(ctx context.Context, endpoint, content, taskID string, cb task.Callbacks)
}

// Dispatcher picks a transport for each task and starts it.
type Dispatcher struct {
	pull      PullTransport
	directory AgentDirectory
	external  ExternalClient
	newID     func() string
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithIDGenerator replaces the UUID task id generator.
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// New creates a Dispatcher. directory and external may be nil, in which case
// agents without a pull connection are always offline.
func New(pull PullTransport, directory AgentDirectory, external ExternalClient, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pull:      pull,
		directory: directory,
		external:  external,
		newID:     func() string { return uuid.New().String() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// SendTask starts req and returns its stream. Use Stream.Subscribe or
// Stream.Events to consume it and Stream.Cancel to stop it. Cancelling ctx
// cancels the task too.
func (d *Dispatcher) SendTask(ctx context.Context, req *Request) *task.Stream {
	s, _ := d.Send(ctx, req)
	return s
}

// Send is SendTask that also reports the transport chosen.
//
// Selection: a live pull connection wins; otherwise an agent record with an
// endpoint uses the external transport; otherwise the stream fails with
// MsgAgentOffline before Send returns.
func (d *Dispatcher) Send(ctx context.Context, req *Request) (*task.Stream, Transport) {
	taskID := req.TaskID
	if taskID == "" {
		taskID = d.newID()
	}
	s := task.NewStream(taskID)
	logger := d.logger.With("task_id", taskID, "agent_id", req.AgentID)

	if d.pull.IsConnected(req.AgentID) {
		d.observe(ctx, s, TransportPull, logger)
		logger.Debug("dispatching over pull connection")
		d.pull.Dispatch(req.AgentID, &req.TaskRequest, s)
		return s, TransportPull
	}

	if record := d.lookup(ctx, req.AgentID, logger); record.HasEndpoint() && d.external != nil {
		d.observe(ctx, s, TransportExternal, logger)
		d.startExternal(ctx, record.Endpoint, req.Content, s, logger)
		return s, TransportExternal
	}

	logger.Debug("agent offline")
	d.observe(ctx, s, TransportNone, logger)
	s.Fail(task.MsgAgentOffline)
	return s, TransportNone
}

func (d *Dispatcher) lookup(ctx context.Context, agentID string, logger *slog.Logger) *store.Agent {
	if d.directory == nil {
		return nil
	}
	record, err := d.directory.GetAgent(ctx, agentID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("agent lookup failed, treating as offline", "error", err)
		}
		return nil
	}
	return record
}

func (d *Dispatcher) startExternal(ctx context.Context, endpoint, content string, s *task.Stream, logger *slog.Logger) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.OnTerminal(func(task.Event) { cancel() })

	logger.Debug("dispatching over external transport", "endpoint", endpoint)
	go func() {
		defer cancel()
		d.external.StreamTask(streamCtx, endpoint, content, s.ID(), s.Callbacks())
	}()
}

// observe ties the stream to ctx and records metrics when it resolves.
func (d *Dispatcher) observe(ctx context.Context, s *task.Stream, transport Transport, logger *slog.Logger) {
	started := time.Now()
	stop := context.AfterFunc(ctx, s.Cancel)

	s.OnTerminal(func(ev task.Event) {
		stop()
		outcome := Outcome(ev)
		metrics.RecordDispatch(string(transport), outcome)
		if transport == TransportExternal {
			metrics.RecordExternalStream(outcome, time.Since(started))
		}
		logger.Debug("task resolved",
			"transport", transport,
			"outcome", outcome,
			"duration", time.Since(started),
		)
	})
}

// Outcome classifies a terminal event as complete, cancelled or error.
func Outcome(ev task.Event) string {
	switch {
	case ev.Kind == task.KindComplete:
		return metrics.OutcomeComplete
	case ev.Text == task.MsgStreamCancelled:
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeError
	}
}
