// ABOUTME: Registry of authenticated pull connections keyed by agent id.
// ABOUTME: Newer authentication supersedes older; removal fails pending tasks.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/agent-relay/internal/metrics"
	"github.com/2389/agent-relay/internal/protocol"
	"github.com/2389/agent-relay/internal/task"
)

// ErrRegistryClosed is returned by Register when the registry is not open.
var ErrRegistryClosed = errors.New("registry closed")

// Registry tracks which agents currently hold a pull connection.
type Registry struct {
	agents map[string]*Connection
	open   bool
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates a Registry. It accepts no registrations until Open.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Connection),
		logger: logger,
	}
}

// Open starts accepting registrations.
func (r *Registry) Open() {
	r.mu.Lock()
	r.open = true
	r.mu.Unlock()
}

// Close stops accepting registrations and drops every connection, failing
// their pending tasks.
func (r *Registry) Close() {
	r.mu.Lock()
	r.open = false
	conns := make([]*Connection, 0, len(r.agents))
	for id, conn := range r.agents {
		conns = append(conns, conn)
		delete(r.agents, id)
	}
	r.mu.Unlock()

	metrics.SetConnectedAgents(0)
	for _, conn := range conns {
		conn.Close()
	}
}

// Register adds conn, replacing and closing any connection previously held
// by the same agent. The replaced connection is returned.
func (r *Registry) Register(conn *Connection) (*Connection, error) {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	prev := r.agents[conn.ID]
	r.agents[conn.ID] = conn
	total := len(r.agents)
	r.mu.Unlock()

	metrics.SetConnectedAgents(total)

	if prev != nil && prev != conn {
		r.logger.Info("agent connection superseded",
			"agent_id", conn.ID,
			"old_remote", prev.RemoteAddr,
			"new_remote", conn.RemoteAddr,
		)
		prev.Close()
	} else {
		prev = nil
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"skills", len(conn.Skills),
		"remote", conn.RemoteAddr,
		"total_agents", total,
	)
	return prev, nil
}

// Unregister removes the agent's connection, whichever it is, and fails its
// pending tasks with MsgAgentDisconnected.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	conn, ok := r.agents[agentID]
	if ok {
		delete(r.agents, agentID)
	}
	total := len(r.agents)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.disconnected(conn, total)
}

// Release removes conn only if it is still the agent's current connection.
// A socket that was superseded must not evict its successor.
func (r *Registry) Release(conn *Connection) bool {
	r.mu.Lock()
	current, ok := r.agents[conn.ID]
	if !ok || current != conn {
		r.mu.Unlock()
		conn.Close()
		return false
	}
	delete(r.agents, conn.ID)
	total := len(r.agents)
	r.mu.Unlock()

	r.disconnected(conn, total)
	return true
}

func (r *Registry) disconnected(conn *Connection, total int) {
	metrics.SetConnectedAgents(total)
	pending := conn.PendingCount()
	conn.Close()
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"failed_tasks", pending,
		"total_agents", total,
	)
}

// Get returns the agent's current connection.
func (r *Registry) Get(agentID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.agents[agentID]
	return conn, ok
}

// IsConnected reports whether the agent holds a live pull connection.
func (r *Registry) IsConnected(agentID string) bool {
	_, ok := r.Get(agentID)
	return ok
}

// GetSkills returns the skills the agent advertised, or an empty list if it
// is not connected.
func (r *Registry) GetSkills(agentID string) []protocol.Skill {
	conn, ok := r.Get(agentID)
	if !ok {
		return []protocol.Skill{}
	}
	return conn.Skills
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// List returns information about every connected agent, sorted by id.
func (r *Registry) List() []*AgentInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.agents))
	for _, conn := range r.agents {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	infos := make([]*AgentInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, &AgentInfo{
			ID:           conn.ID,
			Skills:       conn.Skills,
			RemoteAddr:   conn.RemoteAddr,
			ConnectedAt:  conn.ConnectedAt,
			PendingTasks: conn.PendingCount(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Dispatch sends a task to the agent over its pull connection. If the agent
// is not connected, s fails immediately with MsgAgentNotConnected.
func (r *Registry) Dispatch(agentID string, req *TaskRequest, s *task.Stream) {
	conn, ok := r.Get(agentID)
	if !ok {
		s.Fail(task.MsgAgentNotConnected)
		return
	}
	conn.Dispatch(req, s)
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID           string           `json:"id"`
	Skills       []protocol.Skill `json:"skills"`
	RemoteAddr   string           `json:"remoteAddr,omitempty"`
	ConnectedAt  time.Time        `json:"connectedAt"`
	PendingTasks int              `json:"pendingTasks"`
}
