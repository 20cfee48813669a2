// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	goals  []*Goal
	events []*AgentEvent
	plans  []*Plan

	// Err, when set, is returned by every Record method.
	Err error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// RecordGoal stores a copy of goal.
func (m *MockStore) RecordGoal(ctx context.Context, goal *Goal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	stampAndID(&goal.ID, &goal.CreatedAt)
	g := *goal
	m.goals = append(m.goals, &g)
	return nil
}

// RecordAgentEvent stores a copy of event.
func (m *MockStore) RecordAgentEvent(ctx context.Context, event *AgentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	stampAndID(&event.ID, &event.CreatedAt)
	e := *event
	e.Args = append([]string(nil), event.Args...)
	m.events = append(m.events, &e)
	return nil
}

// RecordPlan stores a copy of plan.
func (m *MockStore) RecordPlan(ctx context.Context, plan *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	stampAndID(&plan.ID, &plan.CreatedAt)
	p := *plan
	p.Args = append([]string(nil), plan.Args...)
	m.plans = append(m.plans, &p)
	return nil
}

// newestFirst copies up to limit entries of items in reverse insertion order.
func newestFirst[T any](items []*T, limit int, keep func(*T) bool) []*T {
	limit = normalizeLimit(limit)
	var out []*T
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		if keep != nil && !keep(items[i]) {
			continue
		}
		c := *items[i]
		out = append(out, &c)
	}
	return out
}

// ListGoals returns recorded goals, newest first.
func (m *MockStore) ListGoals(ctx context.Context, limit int) ([]*Goal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.goals, limit, nil), nil
}

// ListAgentEvents returns recorded events for agentID, newest first.
func (m *MockStore) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]*AgentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.events, limit, func(e *AgentEvent) bool {
		return agentID == "" || e.AgentID == agentID
	}), nil
}

// ListPlans returns recorded plans, newest first.
func (m *MockStore) ListPlans(ctx context.Context, limit int) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestFirst(m.plans, limit, nil), nil
}

// GetPlan returns a recorded plan by ID.
func (m *MockStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plans {
		if p.ID == id {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
