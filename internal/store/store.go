// ABOUTME: Store interfaces and data types for agent-relay persistence
// ABOUTME: Defines Agent records and TaskUsage rows plus the interfaces over them

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when creating an agent whose id is taken
var ErrDuplicateAgent = errors.New("agent already exists")

// Agent is the directory record for an agent. Pull-connected agents
// authenticate with SecretHash; agents with an Endpoint are reachable over
// the external transport when they are not connected.
type Agent struct {
	ID         string
	Name       string
	OwnerID    string
	Endpoint   string // agent card URL, empty if pull-only
	SecretHash string // bcrypt hash, empty if the agent may only use signed tokens
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasEndpoint reports whether the agent can be reached over the external transport.
func (a *Agent) HasEndpoint() bool {
	return a != nil && a.Endpoint != ""
}

// Usage outcomes
const (
	OutcomeComplete  = "complete"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// TaskUsage records how a single dispatched task went.
type TaskUsage struct {
	ID             string
	TaskID         string
	AgentID        string
	ConversationID string
	Transport      string // "pull", "external" or "none"
	Outcome        string
	Error          string
	ChunkCount     int
	ResponseBytes  int
	DurationMs     int64
	CreatedAt      time.Time
}

// UsageFilter narrows GetUsageStats. Nil fields are ignored.
type UsageFilter struct {
	AgentID *string
	Since   *time.Time
	Until   *time.Time
}

// UsageStats aggregates TaskUsage rows.
type UsageStats struct {
	TaskCount      int64
	CompletedCount int64
	ErrorCount     int64
	CancelledCount int64
	ResponseBytes  int64
	AvgDurationMs  float64
}

// AgentStore manages agent directory records.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error
}

// UsageRecorder is the narrow interface callers use to persist usage after a
// task resolves.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, usage *TaskUsage) error
}

// UsageStore adds queries over recorded usage.
type UsageStore interface {
	UsageRecorder
	ListAgentUsage(ctx context.Context, agentID string, limit int) ([]*TaskUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store is everything the gateway persists.
type Store interface {
	AgentStore
	UsageStore
	Close() error
}
