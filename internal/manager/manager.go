// ABOUTME: Manager tracks idle agents and pending goals and dispatches plan requests
// ABOUTME: Handles agent requests, accepts goals, applies plan results and publishes agent paths

package manager

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/bus"
	"github.com/2389/arena-gateway/internal/planner"
	"github.com/2389/arena-gateway/internal/store"
)

// Goal sources recorded in the ledger.
const (
	SourceTopic = "topic"
	SourceGRPC  = "grpc"
	SourceHTTP  = "http"
)

// Planner computes paths for a snapshot of manager state.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) planner.Result
}

// PathPublisher broadcasts plan results to agents. Publish must not block.
type PathPublisher interface {
	Publish(paths arena.AgentPaths) int
}

// Recorder persists the coordination ledger.
type Recorder interface {
	RecordGoal(ctx context.Context, goal *store.Goal) error
	RecordAgentEvent(ctx context.Context, event *store.AgentEvent) error
	RecordPlan(ctx context.Context, plan *store.Plan) error
}

// Metrics observes manager activity.
type Metrics interface {
	AgentRequest(req arena.RequestType, resp arena.ResponseType)
	GoalReceived()
	PlanFinished(status string, d time.Duration)
	QueueSizes(agents, goals, assigned int)
	PathsPublished()
}

// Options configures a Manager.
type Options struct {
	Planner Planner
	Paths   PathPublisher

	// Recorder and Metrics are optional.
	Recorder Recorder
	Metrics  Metrics

	// RateLimit is the per-agent request rate; zero disables RETRY throttling.
	RateLimit rate.Limit
	RateBurst int

	Logger *slog.Logger
}

// State is a copy of the manager's bookkeeping.
type State struct {
	UnassignedAgents []string             `json:"unassigned_agents"`
	UnassignedGoals  []arena.Position     `json:"unassigned_goals"`
	AssignedGoals    []arena.AssignedGoal `json:"assigned_goals"`
	PlanInFlight     bool                 `json:"plan_in_flight"`
	Generation       uint64               `json:"generation"`
}

// Manager owns the agent and goal queues. It is safe for concurrent use.
type Manager struct {
	planner  Planner
	paths    PathPublisher
	recorder Recorder
	metrics  Metrics

	rateLimit rate.Limit
	rateBurst int

	mu               sync.Mutex
	unassignedAgents []string
	unassignedGoals  []arena.Position
	assignedGoals    []arena.AssignedGoal
	limiters         map[string]*rate.Limiter

	// generation identifies the latest plan request; older results are dropped.
	generation  uint64
	planPending bool
	cancelPlan  context.CancelFunc
	inflight    int
	idle        chan struct{} // closed while inflight == 0

	closed     bool
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	logger *slog.Logger
}

// New creates a manager. Planner and Paths are required.
func New(opts Options) (*Manager, error) {
	if opts.Planner == nil {
		return nil, errors.New("manager: planner is required")
	}
	if opts.Paths == nil {
		return nil, errors.New("manager: path publisher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	idle := make(chan struct{})
	close(idle)
	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &Manager{
		planner:    opts.Planner,
		paths:      opts.Paths,
		recorder:   opts.Recorder,
		metrics:    opts.Metrics,
		rateLimit:  opts.RateLimit,
		rateBurst:  burst,
		limiters:   make(map[string]*rate.Limiter),
		idle:       idle,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		logger:     logger.With("component", "manager"),
	}, nil
}

func invalid(arg string) arena.AgentResponse {
	return arena.AgentResponse{ErrorMsg: arena.ResponseInvalidMessage, Args: []string{arg}}
}

// HandleAgentRequest applies one agent request and returns the reply.
func (m *Manager) HandleAgentRequest(ctx context.Context, req arena.AgentRequest) arena.AgentResponse {
	resp := m.handle(req)

	m.logger.Debug("agent request handled",
		"agent_id", req.AgentID,
		"request", req.AgentMsg,
		"response", resp.ErrorMsg,
		"args", resp.Args,
	)
	if m.metrics != nil {
		m.metrics.AgentRequest(req.AgentMsg, resp.ErrorMsg)
	}
	if m.recorder != nil && req.AgentID != "" {
		event := &store.AgentEvent{
			AgentID:  req.AgentID,
			Request:  req.AgentMsg,
			Response: resp.ErrorMsg,
			Args:     resp.Args,
		}
		if err := m.recorder.RecordAgentEvent(context.WithoutCancel(ctx), event); err != nil {
			m.logger.Warn("failed to record agent event", "agent_id", req.AgentID, "error", err)
		}
	}
	return resp
}

func (m *Manager) handle(req arena.AgentRequest) arena.AgentResponse {
	if req.AgentID == "" {
		return invalid("agent_id")
	}
	switch req.AgentMsg {
	case arena.RequestIdle, arena.RequestReachedGoal, arena.RequestActionFailed, arena.RequestAgentDisconnected:
	default:
		return invalid(string(req.AgentMsg))
	}

	if req.AgentMsg != arena.RequestAgentDisconnected {
		if delay, limited := m.throttle(req.AgentID); limited {
			return arena.RetryResponse(delay)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	defer m.observeQueuesLocked()

	switch req.AgentMsg {
	case arena.RequestReachedGoal:
		m.dropAssignedLocked(req.AgentID)
	case arena.RequestActionFailed:
		if ag, ok := m.dropAssignedLocked(req.AgentID); ok {
			m.unassignedGoals = append(m.unassignedGoals, ag.Pos)
		}
	case arena.RequestAgentDisconnected:
		m.disconnectLocked(req.AgentID)
		return arena.AgentResponse{ErrorMsg: arena.ResponseAgentPlanCanceled}
	}
	m.idleLocked(req.AgentID)
	return arena.AgentResponse{ErrorMsg: arena.ResponseWaitPlan}
}

// throttle reports whether agentID is over its request rate and how long it should wait.
func (m *Manager) throttle(agentID string) (time.Duration, bool) {
	if m.rateLimit <= 0 {
		return 0, false
	}

	m.mu.Lock()
	lim, ok := m.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(m.rateLimit, m.rateBurst)
		m.limiters[agentID] = lim
	}
	m.mu.Unlock()

	r := lim.Reserve()
	if !r.OK() {
		return time.Second, true
	}
	delay := r.Delay()
	if delay == 0 {
		return 0, false
	}
	// The caller retries later; give the token back.
	r.Cancel()
	return delay, true
}

func (m *Manager) idleLocked(agentID string) {
	if slices.ContainsFunc(m.assignedGoals, func(ag arena.AssignedGoal) bool { return ag.AgentID == agentID }) {
		// The agent still holds a goal: re-plan so its path is published again.
		m.logger.Info("idle agent still holds a goal", "agent_id", agentID)
		m.replanLocked("idle agent with goal", true)
		return
	}
	if slices.Contains(m.unassignedAgents, agentID) {
		return
	}

	m.unassignedAgents = append(m.unassignedAgents, agentID)
	m.logger.Info("=== AGENT LISTED ===",
		"agent_id", agentID,
		"unassigned_agents", len(m.unassignedAgents),
	)
	m.replanLocked("agent listed", len(m.unassignedGoals) > 0)
}

func (m *Manager) dropAssignedLocked(agentID string) (arena.AssignedGoal, bool) {
	i := slices.IndexFunc(m.assignedGoals, func(ag arena.AssignedGoal) bool { return ag.AgentID == agentID })
	if i < 0 {
		return arena.AssignedGoal{}, false
	}
	ag := m.assignedGoals[i]
	m.assignedGoals = slices.Delete(m.assignedGoals, i, i+1)
	m.logger.Info("agent dequeued from assigned list", "agent_id", agentID, "goal", ag.Pos.String())
	return ag, true
}

func (m *Manager) disconnectLocked(agentID string) {
	removed := false
	if ag, ok := m.dropAssignedLocked(agentID); ok {
		m.unassignedGoals = append(m.unassignedGoals, ag.Pos)
		removed = true
	}
	if i := slices.Index(m.unassignedAgents, agentID); i >= 0 {
		m.unassignedAgents = slices.Delete(m.unassignedAgents, i, i+1)
		removed = true
	}
	delete(m.limiters, agentID)

	if !removed {
		return
	}
	m.logger.Info("=== AGENT DEQUEUED ===",
		"agent_id", agentID,
		"unassigned_agents", len(m.unassignedAgents),
	)
	m.replanLocked("agent disconnected", m.hasWorkLocked())
}

// HandleGoal queues pos unless it is already queued or assigned.
// It reports whether the goal was accepted.
func (m *Manager) HandleGoal(ctx context.Context, pos arena.Position, source string) bool {
	m.mu.Lock()
	if slices.Contains(m.unassignedGoals, pos) ||
		slices.ContainsFunc(m.assignedGoals, func(ag arena.AssignedGoal) bool { return ag.Pos == pos }) {
		m.mu.Unlock()
		m.logger.Debug("ignoring known goal", "goal", pos.String(), "source", source)
		return false
	}
	m.unassignedGoals = append(m.unassignedGoals, pos)
	m.logger.Info("=== GOAL LISTED ===",
		"goal", pos.String(),
		"source", source,
		"unassigned_goals", len(m.unassignedGoals),
	)
	m.replanLocked("goal listed", len(m.unassignedAgents) > 0)
	m.observeQueuesLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.GoalReceived()
	}
	if m.recorder != nil {
		if err := m.recorder.RecordGoal(context.WithoutCancel(ctx), &store.Goal{Pos: pos, Source: source}); err != nil {
			m.logger.Warn("failed to record goal", "goal", pos.String(), "error", err)
		}
	}
	return true
}

// ListenGoals feeds goals published on topic into the manager.
// The returned stop func unsubscribes and waits for the listener to exit.
func (m *Manager) ListenGoals(ctx context.Context, topic *bus.Topic[arena.Position]) (stop func()) {
	return topic.Handle(ctx, func(pos arena.Position) {
		m.HandleGoal(ctx, pos, SourceTopic)
	})
}

func (m *Manager) hasWorkLocked() bool {
	return len(m.assignedGoals) > 0 || (len(m.unassignedGoals) > 0 && len(m.unassignedAgents) > 0)
}

// replanLocked starts a plan when want is set. A plan already in flight was
// computed from state that just changed, so it is restarted or, when nothing
// is left to plan, cancelled.
func (m *Manager) replanLocked(reason string, want bool) {
	switch {
	case want, m.planPending && m.hasWorkLocked():
		m.triggerPlanLocked(reason)
	case m.planPending:
		m.cancelPlanLocked()
		m.logger.Info("plan request cancelled, nothing left to plan", "generation", m.generation)
	}
}

func (m *Manager) cancelPlanLocked() {
	if m.cancelPlan != nil {
		m.cancelPlan()
		m.cancelPlan = nil
	}
	if m.planPending {
		m.generation++
		m.planPending = false
	}
}

func (m *Manager) triggerPlanLocked(reason string) {
	if m.closed {
		return
	}
	if m.cancelPlan != nil {
		m.logger.Info("canceling previous plan request", "generation", m.generation)
		m.cancelPlan()
	}

	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.cancelPlan = cancel
	m.planPending = true

	if m.inflight == 0 {
		m.idle = make(chan struct{})
	}
	m.inflight++

	req := planner.Request{
		AssignedGoals:    slices.Clone(m.assignedGoals),
		UnassignedGoals:  slices.Clone(m.unassignedGoals),
		UnassignedAgents: slices.Clone(m.unassignedAgents),
	}
	m.logger.Info("---calling plan request---",
		"reason", reason,
		"generation", gen,
		"assigned_goals", len(req.AssignedGoals),
		"unassigned_goals", len(req.UnassignedGoals),
		"unassigned_agents", len(req.UnassignedAgents),
	)

	m.wg.Add(1)
	go m.runPlan(ctx, cancel, gen, req)
}

func (m *Manager) runPlan(ctx context.Context, cancel context.CancelFunc, gen uint64, req planner.Request) {
	defer m.wg.Done()
	defer m.finishPlan()
	defer cancel()

	start := time.Now()
	res := m.planner.Plan(ctx, req)
	elapsed := time.Since(start)

	m.mu.Lock()
	if gen != m.generation || ctx.Err() != nil {
		current := m.generation
		m.mu.Unlock()
		m.logger.Info("ignoring stale plan result", "generation", gen, "current", current, "status", res.Status)
		return
	}
	m.planPending = false
	m.cancelPlan = nil

	if res.Status == planner.StatusSuccess {
		m.assignedGoals = slices.Clone(res.AssignedGoals)
		m.unassignedGoals = slices.Clone(res.UnassignedGoals)
		m.logger.Info("plan applied",
			"generation", gen,
			"assigned_goals", len(m.assignedGoals),
			"unassigned_goals", len(m.unassignedGoals),
			"duration", elapsed,
		)
	} else {
		m.logger.Warn("plan request failed", "generation", gen, "status", res.Status, "args", res.Args)
	}

	plan := res.Plan
	if plan.AgentPaths == nil {
		plan.AgentPaths = []arena.AssignedPath{}
	}
	delivered := m.paths.Publish(plan)
	// Agents must request again after every plan.
	m.unassignedAgents = nil
	m.observeQueuesLocked()
	m.mu.Unlock()

	m.logger.Debug("plan published", "generation", gen, "paths", len(plan.AgentPaths), "subscribers", delivered)
	if m.metrics != nil {
		m.metrics.PlanFinished(string(res.Status), elapsed)
		m.metrics.PathsPublished()
	}
	if m.recorder != nil {
		record := &store.Plan{
			Generation: gen,
			Status:     string(res.Status),
			Args:       res.Args,
			Agents:     len(plan.AgentPaths),
			Duration:   elapsed,
		}
		if err := m.recorder.RecordPlan(context.Background(), record); err != nil {
			m.logger.Warn("failed to record plan", "generation", gen, "error", err)
		}
	}
}

func (m *Manager) finishPlan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
	if m.inflight == 0 {
		close(m.idle)
	}
}

func (m *Manager) observeQueuesLocked() {
	if m.metrics != nil {
		m.metrics.QueueSizes(len(m.unassignedAgents), len(m.unassignedGoals), len(m.assignedGoals))
	}
}

// UnassignedAgents returns a copy of the idle agent queue.
func (m *Manager) UnassignedAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.unassignedAgents)
}

// UnassignedGoals returns a copy of the pending goal queue.
func (m *Manager) UnassignedGoals() []arena.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.unassignedGoals)
}

// AssignedGoals returns a copy of the current goal assignments.
func (m *Manager) AssignedGoals() []arena.AssignedGoal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.assignedGoals)
}

// Snapshot returns a consistent copy of all manager state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		UnassignedAgents: slices.Clone(m.unassignedAgents),
		UnassignedGoals:  slices.Clone(m.unassignedGoals),
		AssignedGoals:    slices.Clone(m.assignedGoals),
		PlanInFlight:     m.planPending,
		Generation:       m.generation,
	}
}

// WaitIdle blocks until no plan goroutine is running or ctx ends.
func (m *Manager) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	idle := m.idle
	m.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any in-flight plan and waits for plan goroutines to exit.
// Requests handled after Close update state but start no plans.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.cancelPlanLocked()
	m.baseCancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("manager closed")
	return nil
}
