// ABOUTME: Integration tests driving the coordinator through the harness helpers
// ABOUTME: Covers manager bookkeeping, goal delivery, frame tracking and the full plan flow

package harness

import (
	"context"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/arena-gateway/internal/agent"
	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/client"
	"github.com/2389/arena-gateway/internal/config"
	"github.com/2389/arena-gateway/internal/gateway"
	"github.com/2389/arena-gateway/internal/planner"
	"github.com/2389/arena-gateway/internal/system"
)

const pollInterval = 5 * time.Millisecond

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newSystem(t *testing.T, mutate func(*planner.Config)) *system.System {
	t.Helper()
	cfg := planner.DefaultConfig()
	cfg.GoalAssigner = "GreedyGoalAssigner"
	cfg.LookupTimeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	sys, err := system.New(system.Options{Planner: cfg, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

func TestIdleAddsAgentOnce(t *testing.T) {
	sys := newSystem(t, nil)
	ctx := testCtx(t)
	mc := NewManagerTestClient(sys)

	for range 2 {
		resp, err := mc.CreateRequest(ctx, arena.RequestIdle, "A_01").Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, arena.ResponseWaitPlan, resp.ErrorMsg)
	}

	agents := sys.Manager.UnassignedAgents()
	assert.Equal(t, 1, countOf(agents, "A_01"), "agents: %v", agents)
}

func TestDisconnectRemovesAgent(t *testing.T) {
	sys := newSystem(t, nil)
	ctx := testCtx(t)
	mc := NewManagerTestClient(sys)

	for _, id := range []string{"A_01", "A_02"} {
		_, err := mc.CreateRequest(ctx, arena.RequestIdle, id).Wait(ctx)
		require.NoError(t, err)
	}
	before := len(sys.Manager.UnassignedAgents())

	call := mc.CreateRequest(ctx, arena.RequestAgentDisconnected, "A_02")
	select {
	case <-call.Done():
	case <-ctx.Done():
		t.Fatal("disconnect never answered")
	}
	resp, err := call.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseAgentPlanCanceled, resp.ErrorMsg)

	agents := sys.Manager.UnassignedAgents()
	assert.NotContains(t, agents, "A_02")
	assert.Len(t, agents, before-1)
}

func TestPublishedGoalIsQueued(t *testing.T) {
	sys := newSystem(t, nil)
	ctx := testCtx(t)
	goal := arena.Position{X: 550, Y: 550, W: 1}

	require.NoError(t, NewGoalPublisher(sys, testLogger()).PublishGoal(ctx, goal))

	err := WaitFor(ctx, pollInterval, func() bool {
		return slices.Contains(sys.Manager.UnassignedGoals(), goal)
	})
	require.NoError(t, err)
}

func TestRequestWithPendingGoal_WaitsForPlan(t *testing.T) {
	// No frames are broadcast, so the plan stays stuck on its first lookup.
	sys := newSystem(t, func(cfg *planner.Config) { cfg.LookupTimeout = time.Minute })
	ctx := testCtx(t)
	goal := arena.Position{X: 550, Y: 550, W: 1}

	accepted, err := sys.AcceptGoal(ctx, goal, "test")
	require.NoError(t, err)
	require.True(t, accepted)

	resp, err := NewManagerTestClient(sys).CreateRequest(ctx, arena.RequestIdle, "A_01").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseWaitPlan, resp.ErrorMsg)

	assert.Equal(t, []arena.Position{goal}, sys.Manager.UnassignedGoals())
	assert.Empty(t, sys.Manager.AssignedGoals())
}

func TestFixedFrameIsTracked(t *testing.T) {
	sys := newSystem(t, nil)
	ctx := testCtx(t)

	b := NewFixedFrameBroadcaster(sys, "world", "arena", arena.Vector3{}, 10*time.Millisecond, testLogger())
	stop := b.Start(ctx)
	defer stop()

	var ids []string
	err := WaitFor(ctx, pollInterval, func() bool {
		ids, _ = sys.FrameIDs(ctx)
		return len(ids) > 0
	})
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"arena"}, ids); diff != "" {
		t.Fatalf("frame ids mismatch (-want +got):\n%s", diff)
	}
}

// countingSender counts transforms and fails every other send.
type countingSender struct {
	mu    sync.Mutex
	sent  []arena.TransformStamped
	calls int
}

func (c *countingSender) SendTransform(ctx context.Context, ts arena.TransformStamped) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls%2 == 0 {
		return assert.AnError
	}
	c.sent = append(c.sent, ts)
	return nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestBroadcaster_KeepsGoingAfterErrors(t *testing.T) {
	sender := &countingSender{}
	b := NewFixedFrameBroadcaster(sender, "arena", "A_01", arena.Vector3{X: 50, Z: 50}, time.Millisecond, testLogger())

	require.NoError(t, b.BroadcastOnce(context.Background()))
	require.Error(t, b.BroadcastOnce(context.Background()))

	ctx := testCtx(t)
	stop := b.Start(ctx)
	require.NoError(t, WaitFor(ctx, pollInterval, func() bool { return sender.count() >= 6 }))
	stop()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	for _, ts := range sender.sent {
		assert.Equal(t, "A_01", ts.ChildFrameID)
		assert.Equal(t, 50.0, ts.Transform.Translation.X)
	}
}

func TestGoalPublisher_ReturnsSinkError(t *testing.T) {
	sys := newSystem(t, nil)
	require.NoError(t, sys.Close())

	err := NewGoalPublisher(sys, testLogger()).PublishGoal(context.Background(), arena.Position{X: 1})
	assert.ErrorIs(t, err, system.ErrClosed)
}

func TestWaitFor_Deadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := WaitFor(ctx, time.Millisecond, func() bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_WaitHonorsContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	mc := NewManagerTestClient(blockingRequester(block))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mc.CreateRequest(context.Background(), arena.RequestIdle, "A_01").Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type blockingRequester chan struct{}

func (b blockingRequester) AgentRequest(ctx context.Context, req arena.AgentRequest) (arena.AgentResponse, error) {
	<-b
	return arena.AgentResponse{ErrorMsg: arena.ResponseWaitPlan}, nil
}

// coordinator is everything the plan flow needs from a backend.
type coordinator interface {
	agent.Service
	agent.PathSource
	GoalSink
	TransformSender
	FrameIDs(ctx context.Context) ([]string, error)
}

func gatewayBackend(t *testing.T) (coordinator, *system.System) {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = ""
	cfg.Metrics.Enabled = false
	cfg.Planner.GoalAssigner = "GreedyGoalAssigner"
	cfg.Planner.LookupTimeout = 200 * time.Millisecond

	gw, err := gateway.New(cfg, testLogger())
	require.NoError(t, err)
	lis := bufconn.Listen(1 << 20)
	go func() { _ = gw.ServeGRPC(lis) }()
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	c, err := client.Dial("passthrough:///bufnet",
		client.WithLogger(testLogger()),
		client.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, gw.System()
}

func TestPlanFlow(t *testing.T) {
	backends := []struct {
		name  string
		setup func(t *testing.T) (coordinator, *system.System)
	}{
		{"in-process", func(t *testing.T) (coordinator, *system.System) {
			sys := newSystem(t, nil)
			return sys, sys
		}},
		{"gateway", gatewayBackend},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			svc, sys := tt.setup(t)
			ctx, cancel := context.WithCancel(testCtx(t))
			defer cancel()

			frames := []struct {
				parent, child string
				at            arena.Vector3
			}{
				{"world", "arena", arena.Vector3{}},
				{"arena", "A_01", arena.Vector3{X: 50, Z: 50}},
				{"arena", "A_02", arena.Vector3{X: 150, Z: 150}},
				{"arena", "A_03", arena.Vector3{X: 250, Z: 50}},
			}
			for _, f := range frames {
				stop := NewFixedFrameBroadcaster(svc, f.parent, f.child, f.at, 20*time.Millisecond, testLogger()).Start(ctx)
				defer stop()
			}
			require.NoError(t, WaitFor(ctx, pollInterval, func() bool {
				ids, err := svc.FrameIDs(ctx)
				return err == nil && len(ids) == 4
			}))

			goals := []arena.Position{
				{X: 550, Y: 550, W: 1},
				{X: 450, Y: 550, W: 1},
				{X: 350, Y: 550, W: 1},
				{X: 250, Y: 550, W: 1},
			}
			publisher := NewGoalPublisher(svc, testLogger())
			for _, g := range goals {
				require.NoError(t, publisher.PublishGoal(ctx, g))
			}
			require.NoError(t, WaitFor(ctx, pollInterval, func() bool {
				return len(sys.Manager.UnassignedGoals()) == len(goals)
			}))

			var wg sync.WaitGroup
			found := make(map[string]arena.AssignedPath)
			var mu sync.Mutex
			for _, id := range []string{"A_01", "A_02"} {
				exec := agent.NewExecutor(agent.Config{ID: id, Logger: testLogger()}, svc, svc)
				require.NoError(t, exec.Listen(ctx))
				require.NoError(t, exec.WaitForService(ctx))

				wg.Add(1)
				go func() {
					defer wg.Done()
					path, err := untilPath(ctx, exec)
					if err != nil {
						t.Errorf("%s: %v", id, err)
						return
					}
					mu.Lock()
					found[id] = path
					mu.Unlock()
				}()
			}
			wg.Wait()

			require.Len(t, found, 2)
			for id, path := range found {
				assert.NotEmpty(t, path.Path, "path for %s", id)
			}

			require.NoError(t, sys.Manager.WaitIdle(ctx))
			assigned := sys.Manager.AssignedGoals()
			agents := make([]string, 0, len(assigned))
			for _, a := range assigned {
				agents = append(agents, a.AgentID)
			}
			slices.Sort(agents)
			assert.Equal(t, []string{"A_01", "A_02"}, agents)
			assert.Len(t, sys.Manager.UnassignedGoals(), 2)
		})
	}
}

func TestListenThenIdle_ReceivesPlan(t *testing.T) {
	backends := []struct {
		name  string
		setup func(t *testing.T) (coordinator, *system.System)
	}{
		{"in-process", func(t *testing.T) (coordinator, *system.System) {
			sys := newSystem(t, nil)
			return sys, sys
		}},
		{"gateway", gatewayBackend},
	}

	for _, tt := range backends {
		t.Run(tt.name, func(t *testing.T) {
			svc, sys := tt.setup(t)
			ctx, cancel := context.WithCancel(testCtx(t))
			defer cancel()

			stopArena := NewFixedFrameBroadcaster(svc, "world", "arena", arena.Vector3{}, 20*time.Millisecond, testLogger()).Start(ctx)
			defer stopArena()
			stopAgent := NewFixedFrameBroadcaster(svc, "arena", "A_01", arena.Vector3{X: 50, Z: 50}, 20*time.Millisecond, testLogger()).Start(ctx)
			defer stopAgent()
			require.NoError(t, WaitFor(ctx, pollInterval, func() bool {
				ids, err := svc.FrameIDs(ctx)
				return err == nil && len(ids) == 2
			}))
			require.NoError(t, NewGoalPublisher(svc, testLogger()).PublishGoal(ctx, arena.Position{X: 250, Y: 50, W: 1}))
			require.NoError(t, WaitFor(ctx, pollInterval, func() bool {
				return len(sys.Manager.UnassignedGoals()) == 1
			}))

			exec := agent.NewExecutor(agent.Config{ID: "A_01", Logger: testLogger()}, svc, svc)
			require.NoError(t, exec.Listen(ctx))
			_, err := exec.RequestAndWait(ctx, arena.RequestIdle)
			require.NoError(t, err)

			waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
			defer waitCancel()
			path, found, err := exec.WaitForPath(waitCtx)
			require.NoError(t, err, "plan published after Listen was not delivered")
			assert.True(t, found)
			assert.NotEmpty(t, path.Path)
		})
	}
}

// untilPath announces the executor as idle until a plan includes its path.
func untilPath(ctx context.Context, exec *agent.Executor) (arena.AssignedPath, error) {
	for {
		if _, err := exec.RequestAndWait(ctx, arena.RequestIdle); err != nil {
			return arena.AssignedPath{}, err
		}
		path, found, err := exec.WaitForPath(ctx)
		if err != nil {
			return arena.AssignedPath{}, err
		}
		if found {
			return path, nil
		}
	}
}

func countOf(ids []string, id string) int {
	n := 0
	for _, v := range ids {
		if v == id {
			n++
		}
	}
	return n
}
