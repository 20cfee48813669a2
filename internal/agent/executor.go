// ABOUTME: Agent executor that requests plans from the coordinator and honors RETRY replies
// ABOUTME: Tracks the agent_paths broadcast and picks out this agent's path

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/arena-gateway/internal/arena"
)

// Defaults applied by NewExecutor.
const (
	DefaultMaxAttempts  = 20
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrRetriesExhausted is returned when every attempt was answered with RETRY.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrPathsClosed is returned by WaitForPath once the path subscription has ended.
	ErrPathsClosed = errors.New("path subscription closed")

	// ErrNotListening is returned by WaitForPath before Listen was called.
	ErrNotListening = errors.New("executor is not listening for paths")
)

// Service is the agent_request service as seen by an agent.
type Service interface {
	Ready(ctx context.Context) error
	AgentRequest(ctx context.Context, req arena.AgentRequest) (arena.AgentResponse, error)
}

// PathSource delivers every plan broadcast on agent_paths.
type PathSource interface {
	SubscribePaths(ctx context.Context) (<-chan arena.AgentPaths, error)
}

// Config configures an Executor.
type Config struct {
	// ID is the agent id sent with every request.
	ID string

	// MaxAttempts bounds the requests sent per RequestAndWait call.
	MaxAttempts int

	// PollInterval is the delay between readiness checks in WaitForService.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Executor issues requests on behalf of one agent.
type Executor struct {
	id           string
	maxAttempts  int
	pollInterval time.Duration

	service Service
	paths   PathSource
	logger  *slog.Logger

	mu        sync.Mutex
	listening bool
	closed    bool
	received  uint64
	mark      uint64
	next      arena.AgentPaths
	changed   chan struct{}
	done      chan struct{}
}

// NewExecutor creates an executor for cfg.ID. paths may be nil when the
// caller never waits for a path.
func NewExecutor(cfg Config, service Service, paths PathSource) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		id:           cfg.ID,
		maxAttempts:  cfg.MaxAttempts,
		pollInterval: cfg.PollInterval,
		service:      service,
		paths:        paths,
		logger:       cfg.Logger.With("component", "agent", "agent_id", cfg.ID),
		changed:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the agent id.
func (e *Executor) ID() string {
	return e.id
}

// Listen subscribes to agent_paths until ctx ends. Call it before the first
// request so no plan is missed.
func (e *Executor) Listen(ctx context.Context) error {
	if e.paths == nil {
		return ErrNotListening
	}

	e.mu.Lock()
	if e.listening {
		e.mu.Unlock()
		return fmt.Errorf("executor %s already listening", e.id)
	}
	e.listening = true
	e.mu.Unlock()

	ch, err := e.paths.SubscribePaths(ctx)
	if err != nil {
		e.mu.Lock()
		e.listening = false
		e.mu.Unlock()
		return fmt.Errorf("subscribing to paths: %w", err)
	}

	go func() {
		defer close(e.done)
		for paths := range ch {
			e.record(paths)
		}
		e.mu.Lock()
		e.closed = true
		e.notifyLocked()
		e.mu.Unlock()
	}()
	return nil
}

// Done is closed once the path subscription has ended.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) record(paths arena.AgentPaths) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received++
	if e.received == e.mark+1 {
		e.next = paths
	}
	e.notifyLocked()
}

func (e *Executor) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// WaitForService blocks until the service reports ready or ctx ends.
func (e *Executor) WaitForService(ctx context.Context) error {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		err := e.service.Ready(ctx)
		if err == nil {
			return nil
		}
		e.logger.Info("service not available, waiting again...", "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for service: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// RequestAndWait sends msg and resends it while the reply is RETRY, sleeping
// the delay the server asks for.
func (e *Executor) RequestAndWait(ctx context.Context, msg arena.RequestType) (arena.AgentResponse, error) {
	req := arena.AgentRequest{AgentMsg: msg, AgentID: e.id}

	for attempt := 1; ; attempt++ {
		e.markPlans()

		resp, err := e.service.AgentRequest(ctx, req)
		if err != nil {
			return arena.AgentResponse{}, fmt.Errorf("sending %s: %w", msg, err)
		}
		if resp.ErrorMsg != arena.ResponseRetry {
			e.logger.Debug("request answered", "request", msg, "response", resp.ErrorMsg, "attempts", attempt)
			return resp, nil
		}
		if attempt >= e.maxAttempts {
			return resp, fmt.Errorf("%w: %s answered RETRY %d times", ErrRetriesExhausted, msg, attempt)
		}

		delay, err := resp.RetryAfter()
		if err != nil {
			return resp, err
		}
		e.logger.Debug("retrying request", "request", msg, "delay", delay, "attempt", attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return resp, fmt.Errorf("retrying %s: %w", msg, ctx.Err())
		case <-timer.C:
		}
	}
}

// markPlans makes WaitForPath report the first plan received from now on.
func (e *Executor) markPlans() {
	e.mu.Lock()
	e.mark = e.received
	e.next = arena.AgentPaths{}
	e.mu.Unlock()
}

// WaitForPath blocks until a plan arrives after the latest request and
// reports this agent's entry in it.
func (e *Executor) WaitForPath(ctx context.Context) (arena.AssignedPath, bool, error) {
	for {
		e.mu.Lock()
		if !e.listening {
			e.mu.Unlock()
			return arena.AssignedPath{}, false, ErrNotListening
		}
		if e.received > e.mark {
			paths := e.next
			e.mu.Unlock()
			path, found := e.findPath(paths)
			return path, found, nil
		}
		if e.closed {
			e.mu.Unlock()
			return arena.AssignedPath{}, false, ErrPathsClosed
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return arena.AssignedPath{}, false, fmt.Errorf("waiting for path: %w", ctx.Err())
		case <-changed:
		}
	}
}

func (e *Executor) findPath(paths arena.AgentPaths) (arena.AssignedPath, bool) {
	path, found := paths.Find(e.id)
	if !found {
		e.logger.Info("no path published", "agents", len(paths.AgentPaths))
		return arena.AssignedPath{}, false
	}
	e.logger.Info("path found", "waypoints", len(path.Path))
	return path, true
}

// DisconnectAndReconnect tells the manager the agent left, then announces it
// as idle again.
func (e *Executor) DisconnectAndReconnect(ctx context.Context) (arena.AgentResponse, error) {
	resp, err := e.RequestAndWait(ctx, arena.RequestAgentDisconnected)
	if err != nil {
		return resp, err
	}
	if resp.ErrorMsg != arena.ResponseAgentPlanCanceled {
		e.logger.Warn("unexpected disconnect reply", "response", resp.ErrorMsg)
	}
	return e.RequestAndWait(ctx, arena.RequestIdle)
}
