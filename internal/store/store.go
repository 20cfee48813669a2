// ABOUTME: Store interface and record types for the coordination ledger
// ABOUTME: Defines Goal, AgentEvent and Plan records persisted by the manager

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/arena-gateway/internal/arena"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// Default and maximum page sizes for List queries.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Goal records a goal position accepted by the manager
type Goal struct {
	ID        string         `json:"id"`
	Pos       arena.Position `json:"pos"`
	Source    string         `json:"source"` // "topic", "grpc", "http"
	CreatedAt time.Time      `json:"created_at"`
}

// AgentEvent records one agent request and the manager's reply
type AgentEvent struct {
	ID        string             `json:"id"`
	AgentID   string             `json:"agent_id"`
	Request   arena.RequestType  `json:"request"`
	Response  arena.ResponseType `json:"response"`
	Args      []string           `json:"args"`
	CreatedAt time.Time          `json:"created_at"`
}

// Plan records the outcome of a completed plan request
type Plan struct {
	ID         string        `json:"id"`
	Generation uint64        `json:"generation"`
	Status     string        `json:"status"`
	Args       []string      `json:"args"`
	Agents     int           `json:"agents"`
	Duration   time.Duration `json:"duration_ns"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store persists the coordination ledger
type Store interface {
	RecordGoal(ctx context.Context, goal *Goal) error
	RecordAgentEvent(ctx context.Context, event *AgentEvent) error
	RecordPlan(ctx context.Context, plan *Plan) error

	// List methods return newest records first.
	ListGoals(ctx context.Context, limit int) ([]*Goal, error)
	ListAgentEvents(ctx context.Context, agentID string, limit int) ([]*AgentEvent, error)
	ListPlans(ctx context.Context, limit int) ([]*Plan, error)
	GetPlan(ctx context.Context, id string) (*Plan, error)

	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
