// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	agents map[string]*AgentRecord
	order  []string
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents: make(map[string]*AgentRecord),
	}
}

// RecordLaunch stores a new agent record.
func (m *MockStore) RecordLaunch(ctx context.Context, rec *AgentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[rec.AgentID]; exists {
		return ErrDuplicateAgent
	}

	// Make a copy to avoid external modification
	r := *rec
	r.Args = append([]string(nil), rec.Args...)
	r.Status = StatusLaunched
	if r.LaunchedAt.IsZero() {
		r.LaunchedAt = time.Now()
	}
	m.agents[r.AgentID] = &r
	m.order = append(m.order, r.AgentID)
	return nil
}

// MarkConnected records the handshake time.
func (m *MockStore) MarkConnected(ctx context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.agents[agentID]
	if !ok || r.Status != StatusLaunched {
		return ErrNotFound
	}
	r.Status = StatusConnected
	r.ConnectedAt = &at
	return nil
}

// RecordExit records the exit code.
func (m *MockStore) RecordExit(ctx context.Context, agentID string, exitCode int, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusExited
	r.ExitedAt = &at
	r.ExitCode = &exitCode
	r.Error = errMsg
	return nil
}

// GetAgent retrieves an agent record by id.
func (m *MockStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

// ListAgents returns records newest first.
func (m *MockStore) ListAgents(ctx context.Context, limit int) ([]*AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentRecord, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		c := *m.agents[m.order[i]]
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LaunchedAt.After(out[j].LaunchedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
