// ABOUTME: Planner turns manager state into collision-free agent paths
// ABOUTME: Looks up frames, assigns goals, discretizes the arena, solves MAPF and reverts cells to transforms

package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/assign"
	"github.com/2389/arena-gateway/internal/mapf"
)

// Status is the outcome of a plan request.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusTransformFailure Status = "TRANSFORM_FAILURE"
	StatusFailedGoalAssign Status = "FAILED_GOAL_ASSIGN"
	StatusFailedMapSolve   Status = "FAILED_MAP_SOLVE"
)

// ErrInvalidConfig indicates planner settings that cannot produce a usable grid.
var ErrInvalidConfig = errors.New("invalid planner config")

// Config holds the planner's arena geometry and algorithm choices.
type Config struct {
	ArenaFrame    string
	WorldFrame    string
	ArenaHeight   float64
	ArenaWidth    float64
	AgentDiameter float64
	MAPFSolver    string
	GoalAssigner  string
	// TimeLimit bounds each solve; zero or less means no limit.
	TimeLimit time.Duration
	// LookupTimeout bounds each frame lookup.
	LookupTimeout time.Duration
	// IgnoredFrames are never treated as obstacles.
	IgnoredFrames []string
	// MaxExpansions caps solver search nodes; zero uses the solver default.
	MaxExpansions int
}

// DefaultConfig returns the stock planner settings.
func DefaultConfig() Config {
	return Config{
		ArenaFrame:    "arena",
		WorldFrame:    "world",
		ArenaHeight:   600,
		ArenaWidth:    600,
		AgentDiameter: 100,
		MAPFSolver:    "CBSSolver",
		GoalAssigner:  "SimpleGoalAssigner",
		LookupTimeout: 100 * time.Millisecond,
		IgnoredFrames: []string{"mocap"},
	}
}

// FrameSource resolves coordinate frames.
type FrameSource interface {
	AllFrameIDs() []string
	WaitForTransform(ctx context.Context, target, source string, timeout time.Duration) (arena.TransformStamped, error)
}

// Request is a snapshot of manager state to plan for.
type Request struct {
	AssignedGoals    []arena.AssignedGoal
	UnassignedGoals  []arena.Position
	UnassignedAgents []string
}

// Result reports the plan outcome. Failed results carry an empty Plan.
type Result struct {
	Status          Status
	Args            []string
	AssignedGoals   []arena.AssignedGoal
	UnassignedGoals []arena.Position
	Plan            arena.AgentPaths
}

// Planner computes agent paths over a discretized arena.
type Planner struct {
	cfg      Config
	frames   FrameSource
	solver   mapf.Solver
	assigner assign.GoalAssigner
	rows     int
	cols     int
	ignored  map[string]struct{}
	logger   *slog.Logger
}

// New creates a planner. Unknown solver or assigner names fail construction.
// Pass nil logger for default.
func New(cfg Config, frames FrameSource, logger *slog.Logger) (*Planner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AgentDiameter <= 0 {
		return nil, fmt.Errorf("%w: agent diameter must be positive, got %g", ErrInvalidConfig, cfg.AgentDiameter)
	}
	if cfg.ArenaFrame == "" || cfg.WorldFrame == "" {
		return nil, fmt.Errorf("%w: arena and world frame names are required", ErrInvalidConfig)
	}

	var opts []mapf.Option
	if cfg.MaxExpansions > 0 {
		opts = append(opts, mapf.WithMaxExpansions(cfg.MaxExpansions))
	}
	solver, err := mapf.NewSolver(cfg.MAPFSolver, cfg.TimeLimit, opts...)
	if err != nil {
		return nil, err
	}
	assigner, err := assign.New(cfg.GoalAssigner)
	if err != nil {
		return nil, err
	}

	ignored := make(map[string]struct{}, len(cfg.IgnoredFrames))
	for _, id := range cfg.IgnoredFrames {
		ignored[id] = struct{}{}
	}

	p := &Planner{
		cfg:      cfg,
		frames:   frames,
		solver:   solver,
		assigner: assigner,
		rows:     int(cfg.ArenaHeight / cfg.AgentDiameter),
		cols:     int(cfg.ArenaWidth / cfg.AgentDiameter),
		ignored:  ignored,
		logger:   logger.With("component", "planner"),
	}
	p.logger.Info("planner initialized",
		"rows", p.rows,
		"cols", p.cols,
		"solver", solver.Name(),
		"assigner", cfg.GoalAssigner,
	)
	return p, nil
}

// Grid returns the discretized arena dimensions.
func (p *Planner) Grid() (rows, cols int) {
	return p.rows, p.cols
}

// AllFrameIDs returns every frame the planner currently knows about.
func (p *Planner) AllFrameIDs() []string {
	return p.frames.AllFrameIDs()
}

func failed(status Status, args ...string) Result {
	return Result{Status: status, Args: args, Plan: arena.AgentPaths{AgentPaths: []arena.AssignedPath{}}}
}

// Plan assigns goals and computes paths for the agents in req.
func (p *Planner) Plan(ctx context.Context, req Request) Result {
	p.logger.Info("plan requested",
		"assigned_goals", len(req.AssignedGoals),
		"unassigned_goals", len(req.UnassignedGoals),
		"unassigned_agents", len(req.UnassignedAgents),
	)

	agentIDs := make([]string, 0, len(req.UnassignedAgents)+len(req.AssignedGoals))
	agentIDs = append(agentIDs, req.UnassignedAgents...)
	for _, ag := range req.AssignedGoals {
		agentIDs = append(agentIDs, ag.AgentID)
	}
	obstacleIDs := p.obstacleIDs(agentIDs)

	frames, err := p.resolveFrames(ctx, agentIDs, obstacleIDs)
	if err != nil {
		p.logger.Warn("plan failed", "status", StatusTransformFailure, "error", err)
		args := append([]string{err.Error()}, agentIDs...)
		return failed(StatusTransformFailure, append(args, obstacleIDs...)...)
	}
	return p.planWithFrames(ctx, req, obstacleIDs, frames)
}

// resolvedFrames holds every transform one plan needs.
type resolvedFrames struct {
	agents    map[string]arena.TransformStamped
	obstacles map[string]arena.TransformStamped
	arena     arena.TransformStamped
}

func (p *Planner) resolveFrames(ctx context.Context, agentIDs, obstacleIDs []string) (resolvedFrames, error) {
	var rf resolvedFrames
	var err error
	if rf.agents, err = p.lookupAll(ctx, agentIDs); err != nil {
		return rf, err
	}
	if rf.obstacles, err = p.lookupAll(ctx, obstacleIDs); err != nil {
		return rf, err
	}
	rf.arena, err = p.frames.WaitForTransform(ctx, p.cfg.WorldFrame, p.cfg.ArenaFrame, p.cfg.LookupTimeout)
	if err != nil {
		return rf, fmt.Errorf("looking up %s in %s: %w", p.cfg.ArenaFrame, p.cfg.WorldFrame, err)
	}
	return rf, nil
}

func (p *Planner) planWithFrames(ctx context.Context, req Request, obstacleIDs []string, frames resolvedFrames) Result {
	candidates := make([]assign.Candidate, len(req.UnassignedAgents))
	for i, id := range req.UnassignedAgents {
		candidates[i] = assign.Candidate{AgentID: id, Location: frames.agents[id].Transform.Translation}
	}

	newlyAssigned, remaining, err := p.assigner.Assign(req.UnassignedGoals, candidates)
	if err != nil {
		p.logger.Warn("plan failed", "status", StatusFailedGoalAssign, "error", err)
		return failed(StatusFailedGoalAssign, err.Error())
	}
	assigned := make([]arena.AssignedGoal, 0, len(req.AssignedGoals)+len(newlyAssigned))
	assigned = append(assigned, req.AssignedGoals...)
	assigned = append(assigned, newlyAssigned...)

	in := mapf.Input{
		Map:    mapf.NewMap(p.rows, p.cols),
		Starts: make([]mapf.Cell, len(assigned)),
		Goals:  make([]mapf.Cell, len(assigned)),
	}
	for i, ag := range assigned {
		loc := frames.agents[ag.AgentID].Transform.Translation
		in.Starts[i] = p.cellOf(loc.X, loc.Z)
		in.Goals[i] = p.cellOf(ag.Pos.X, ag.Pos.Y)
	}
	for _, id := range obstacleIDs {
		loc := frames.obstacles[id].Transform.Translation
		// Obstacles outside the arena cannot block anything.
		in.Map.Block(p.cellOf(loc.X, loc.Z))
	}
	// Agents left without a goal stay put and block their cell.
	for _, c := range candidates {
		if !slices.ContainsFunc(assigned, func(ag arena.AssignedGoal) bool { return ag.AgentID == c.AgentID }) {
			in.Map.Block(p.cellOf(c.Location.X, c.Location.Z))
		}
	}

	out, err := p.solver.Solve(ctx, in)
	if err != nil {
		p.logger.Warn("plan failed", "status", StatusFailedMapSolve, "error", err)
		return failed(StatusFailedMapSolve, err.Error())
	}

	plan := arena.AgentPaths{AgentPaths: make([]arena.AssignedPath, len(assigned))}
	for i, ag := range assigned {
		path := make([]arena.Transform, len(out.Paths[i]))
		for step, cell := range out.Paths[i] {
			path[step] = p.revert(cell, frames.arena.Transform.Translation)
		}
		plan.AgentPaths[i] = arena.AssignedPath{AgentID: ag.AgentID, Path: path}
	}

	p.logger.Info("plan succeeded",
		"agents", len(assigned),
		"sum_of_costs", out.SumOfCosts,
		"cpu_time", out.CPUTime,
	)
	return Result{
		Status: StatusSuccess,
		Args: []string{
			strconv.Itoa(out.SumOfCosts),
			strconv.FormatFloat(out.CPUTime.Seconds(), 'f', -1, 64),
		},
		AssignedGoals:   assigned,
		UnassignedGoals: remaining,
		Plan:            plan,
	}
}

// obstacleIDs lists known frames that are neither agents, the arena nor ignored.
func (p *Planner) obstacleIDs(agentIDs []string) []string {
	var ids []string
	for _, id := range p.frames.AllFrameIDs() {
		if id == p.cfg.ArenaFrame || slices.Contains(agentIDs, id) {
			continue
		}
		if _, skip := p.ignored[id]; skip {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (p *Planner) lookupAll(ctx context.Context, ids []string) (map[string]arena.TransformStamped, error) {
	out := make(map[string]arena.TransformStamped, len(ids))
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		ts, err := p.frames.WaitForTransform(ctx, p.cfg.ArenaFrame, id, p.cfg.LookupTimeout)
		if err != nil {
			return nil, fmt.Errorf("looking up %s in %s: %w", id, p.cfg.ArenaFrame, err)
		}
		out[id] = ts
	}
	return out, nil
}

// cellOf discretizes a floor-plane coordinate pair into a grid cell.
func (p *Planner) cellOf(x, y float64) mapf.Cell {
	return mapf.Cell{X: int(x / p.cfg.AgentDiameter), Y: int(y / p.cfg.AgentDiameter)}
}

// revert places a waypoint at the centre of its cell, in the arena's world position.
func (p *Planner) revert(c mapf.Cell, arenaOffset arena.Vector3) arena.Transform {
	d := p.cfg.AgentDiameter
	return arena.Transform{Translation: arena.Vector3{
		X: float64(c.X)*d + d/2 + arenaOffset.X,
		Y: arenaOffset.Y,
		Z: float64(c.Y)*d + d/2 + arenaOffset.Z,
	}}
}
