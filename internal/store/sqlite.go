// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists goals, agent events and plan outcomes with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/arena-gateway/internal/arena"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// timeFormat is fixed width so created_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if path == MemoryPath {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS goals (
			id TEXT PRIMARY KEY,
			x REAL NOT NULL,
			y REAL NOT NULL,
			w REAL NOT NULL,
			source TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_goals_created ON goals(created_at DESC);

		CREATE TABLE IF NOT EXISTS agent_events (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			request TEXT NOT NULL,
			response TEXT NOT NULL,
			args_json TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agent_events_agent ON agent_events(agent_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			generation INTEGER NOT NULL,
			status TEXT NOT NULL,
			args_json TEXT NOT NULL DEFAULT '[]',
			agents INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (status IN ('SUCCESS', 'TRANSFORM_FAILURE', 'FAILED_GOAL_ASSIGN', 'FAILED_MAP_SOLVE'))
		);

		CREATE INDEX IF NOT EXISTS idx_plans_created ON plans(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func stampAndID(id *string, createdAt *time.Time) {
	if *id == "" {
		*id = uuid.New().String()
	}
	if createdAt.IsZero() {
		*createdAt = time.Now().UTC()
	}
}

func encodeArgs(args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding args: %w", err)
	}
	return string(b), nil
}

func decodeArgs(raw string) ([]string, error) {
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decoding args: %w", err)
	}
	return args, nil
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing created_at %q: %w", raw, err)
	}
	return t, nil
}

// RecordGoal persists a goal. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) RecordGoal(ctx context.Context, goal *Goal) error {
	stampAndID(&goal.ID, &goal.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (id, x, y, w, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, goal.ID, goal.Pos.X, goal.Pos.Y, goal.Pos.W, goal.Source, goal.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting goal: %w", err)
	}

	s.logger.Debug("recorded goal", "goal_id", goal.ID, "pos", goal.Pos.String())
	return nil
}

// ListGoals returns the most recent goals
func (s *SQLiteStore) ListGoals(ctx context.Context, limit int) ([]*Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, x, y, w, source, created_at
		FROM goals
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying goals: %w", err)
	}
	defer rows.Close()

	var goals []*Goal
	for rows.Next() {
		g := &Goal{}
		var createdAt string
		if err := rows.Scan(&g.ID, &g.Pos.X, &g.Pos.Y, &g.Pos.W, &g.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning goal: %w", err)
		}
		if g.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating goals: %w", err)
	}
	return goals, nil
}

// RecordAgentEvent persists one agent request/response pair
func (s *SQLiteStore) RecordAgentEvent(ctx context.Context, event *AgentEvent) error {
	stampAndID(&event.ID, &event.CreatedAt)

	args, err := encodeArgs(event.Args)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_events (id, agent_id, request, response, args_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, event.AgentID, string(event.Request), string(event.Response), args, event.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting agent event: %w", err)
	}

	s.logger.Debug("recorded agent event",
		"event_id", event.ID,
		"agent_id", event.AgentID,
		"request", event.Request,
		"response", event.Response,
	)
	return nil
}

// ListAgentEvents returns the most recent events for agentID.
// An empty agentID lists events for every agent.
func (s *SQLiteStore) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]*AgentEvent, error) {
	query := `
		SELECT id, agent_id, request, response, args_json, created_at
		FROM agent_events
	`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agent events: %w", err)
	}
	defer rows.Close()

	var events []*AgentEvent
	for rows.Next() {
		e := &AgentEvent{}
		var request, response, argsJSON, createdAt string
		if err := rows.Scan(&e.ID, &e.AgentID, &request, &response, &argsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning agent event: %w", err)
		}
		e.Request = arena.RequestType(request)
		e.Response = arena.ResponseType(response)
		if e.Args, err = decodeArgs(argsJSON); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent events: %w", err)
	}
	return events, nil
}

// RecordPlan persists a plan outcome
func (s *SQLiteStore) RecordPlan(ctx context.Context, plan *Plan) error {
	stampAndID(&plan.ID, &plan.CreatedAt)

	args, err := encodeArgs(plan.Args)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plans (id, generation, status, args_json, agents, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, int64(plan.Generation), plan.Status, args, plan.Agents, plan.Duration.Milliseconds(),
		plan.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}

	s.logger.Debug("recorded plan", "plan_id", plan.ID, "generation", plan.Generation, "status", plan.Status)
	return nil
}

const planColumns = `id, generation, status, args_json, agents, duration_ms, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*Plan, error) {
	p := &Plan{}
	var generation, durationMS int64
	var argsJSON, createdAt string
	if err := row.Scan(&p.ID, &generation, &p.Status, &argsJSON, &p.Agents, &durationMS, &createdAt); err != nil {
		return nil, err
	}
	p.Generation = uint64(generation)
	p.Duration = time.Duration(durationMS) * time.Millisecond

	var err error
	if p.Args, err = decodeArgs(argsJSON); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPlan retrieves a plan by ID
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	return p, nil
}

// ListPlans returns the most recent plan outcomes
func (s *SQLiteStore) ListPlans(ctx context.Context, limit int) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating plans: %w", err)
	}
	return plans, nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
