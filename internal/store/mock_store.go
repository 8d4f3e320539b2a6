// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	agents map[string]*Agent // keyed by agent ID
	usage  []*TaskUsage

	// GetAgentErr, when set, is returned by GetAgent for every id.
	GetAgentErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*Agent),
	}
}

// CreateAgent stores a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return ErrDuplicateAgent
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = agent.CreatedAt
	}

	// Make a copy to avoid external modification
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.GetAgentErr != nil {
		return nil, m.GetAgentErr
	}
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// UpdateAgent replaces an existing agent.
func (m *MockStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agent.ID]; !ok {
		return ErrNotFound
	}
	agent.UpdatedAt = time.Now().UTC()
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// ListAgents returns every agent ordered by ID.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		agents = append(agents, &cp)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// DeleteAgent removes an agent.
func (m *MockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

// RecordUsage appends a usage record.
func (m *MockStore) RecordUsage(ctx context.Context, usage *TaskUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if usage.ID == "" {
		usage.ID = uuid.New().String()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}
	u := *usage
	m.usage = append(m.usage, &u)
	return nil
}

// ListAgentUsage returns the agent's usage records, newest first.
func (m *MockStore) ListAgentUsage(ctx context.Context, agentID string, limit int) ([]*TaskUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TaskUsage
	for i := len(m.usage) - 1; i >= 0; i-- {
		if m.usage[i].AgentID != agentID {
			continue
		}
		cp := *m.usage[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetUsageStats aggregates the recorded usage.
func (m *MockStore) GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats UsageStats
	var totalDuration int64
	for _, u := range m.usage {
		if filter.AgentID != nil && u.AgentID != *filter.AgentID {
			continue
		}
		if filter.Since != nil && u.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !u.CreatedAt.Before(*filter.Until) {
			continue
		}
		stats.TaskCount++
		switch u.Outcome {
		case OutcomeComplete:
			stats.CompletedCount++
		case OutcomeError:
			stats.ErrorCount++
		case OutcomeCancelled:
			stats.CancelledCount++
		}
		stats.ResponseBytes += int64(u.ResponseBytes)
		totalDuration += u.DurationMs
	}
	if stats.TaskCount > 0 {
		stats.AvgDurationMs = float64(totalDuration) / float64(stats.TaskCount)
	}
	return &stats, nil
}

// Usage returns a copy of every recorded usage row in insertion order.
func (m *MockStore) Usage() []*TaskUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*TaskUsage, len(m.usage))
	for i, u := range m.usage {
		cp := *u
		out[i] = &cp
	}
	return out
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
