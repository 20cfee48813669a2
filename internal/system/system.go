// ABOUTME: In-process assembly of topics, frame buffer, planner and manager
// ABOUTME: Serves agents, goal sources and frame broadcasters without a network hop

package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/bus"
	"github.com/2389/arena-gateway/internal/manager"
	"github.com/2389/arena-gateway/internal/metrics"
	"github.com/2389/arena-gateway/internal/planner"
	"github.com/2389/arena-gateway/internal/store"
	"github.com/2389/arena-gateway/internal/tf"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("system closed")

// Options configures a System.
type Options struct {
	Planner planner.Config

	// RateLimit and RateBurst configure per-agent RETRY throttling; zero disables it.
	RateLimit rate.Limit
	RateBurst int

	// Store and Metrics are optional.
	Store   store.Store
	Metrics *metrics.Collector

	Logger *slog.Logger
}

// System wires the coordination components together.
type System struct {
	Goals      *bus.Topic[arena.Position]
	Paths      *bus.Topic[arena.AgentPaths]
	Transforms *bus.Topic[arena.TransformStamped]

	Frames  *tf.Buffer
	Planner *planner.Planner
	Manager *manager.Manager
	Store   store.Store

	broadcaster *tf.Broadcaster
	stops       []func()

	mu     sync.RWMutex
	closed bool

	logger *slog.Logger
}

// New assembles a running system. Close releases it.
func New(opts Options) (*System, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &System{
		Goals:      bus.NewTopic[arena.Position](arena.TopicGoals, logger),
		Paths:      bus.NewTopic[arena.AgentPaths](arena.TopicAgentPaths, logger),
		Transforms: bus.NewTopic[arena.TransformStamped](arena.TopicTransforms, logger),
		Frames:     tf.NewBuffer(logger),
		Store:      opts.Store,
		logger:     logger.With("component", "system"),
	}
	s.broadcaster = tf.NewBroadcaster(s.Transforms)

	p, err := planner.New(opts.Planner, s.Frames, logger)
	if err != nil {
		return nil, fmt.Errorf("creating planner: %w", err)
	}
	s.Planner = p

	mopts := manager.Options{
		Planner:   p,
		Paths:     s.Paths,
		RateLimit: opts.RateLimit,
		RateBurst: opts.RateBurst,
		Logger:    logger,
	}
	if opts.Store != nil {
		mopts.Recorder = opts.Store
	}
	if opts.Metrics != nil {
		mopts.Metrics = opts.Metrics
	}
	m, err := manager.New(mopts)
	if err != nil {
		return nil, fmt.Errorf("creating manager: %w", err)
	}
	s.Manager = m

	ctx := context.Background()
	s.stops = append(s.stops,
		s.Frames.Listen(ctx, s.Transforms),
		m.ListenGoals(ctx, s.Goals),
	)

	rows, cols := p.Grid()
	s.logger.Info("system ready",
		"arena_frame", opts.Planner.ArenaFrame,
		"grid_rows", rows,
		"grid_cols", cols,
		"solver", opts.Planner.MAPFSolver,
		"assigner", opts.Planner.GoalAssigner,
	)
	return s, nil
}

func (s *System) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Ready reports whether the agent_request service is available.
func (s *System) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.checkOpen()
}

// AgentRequest forwards req to the manager.
func (s *System) AgentRequest(ctx context.Context, req arena.AgentRequest) (arena.AgentResponse, error) {
	if err := s.checkOpen(); err != nil {
		return arena.AgentResponse{}, err
	}
	return s.Manager.HandleAgentRequest(ctx, req), nil
}

// PublishGoal puts pos on the goals topic.
func (s *System) PublishGoal(ctx context.Context, pos arena.Position) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.Goals.Publish(pos)
	return nil
}

// AcceptGoal hands pos straight to the manager, bypassing the goals topic.
// It reports whether the goal was new.
func (s *System) AcceptGoal(ctx context.Context, pos arena.Position, source string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.Manager.HandleGoal(ctx, pos, source), nil
}

// SendTransform puts ts on the tf topic.
func (s *System) SendTransform(ctx context.Context, ts arena.TransformStamped) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.broadcaster.SendTransform(ctx, ts)
}

// FrameIDs lists the frames known to the planner.
func (s *System) FrameIDs(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.Planner.AllFrameIDs(), nil
}

// SubscribePaths delivers every published plan until ctx ends.
func (s *System) SubscribePaths(ctx context.Context) (<-chan arena.AgentPaths, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ch, _ := s.Paths.Subscribe(ctx)
	return ch, nil
}

// Close stops the manager and the topic listeners. It is safe to call twice.
func (s *System) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Manager.Close()
	for _, stop := range s.stops {
		stop()
	}
	s.Goals.Close()
	s.Transforms.Close()
	s.Paths.Close()
	s.logger.Info("system stopped")
	return err
}
