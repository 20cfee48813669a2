// ABOUTME: Tests for the in-process system assembly
// ABOUTME: Drives a full goal, frame and agent flow through the real topics, planner and manager

package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/metrics"
	"github.com/2389/arena-gateway/internal/planner"
	"github.com/2389/arena-gateway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestSystem(t *testing.T, mutate func(*Options)) *System {
	t.Helper()
	cfg := planner.DefaultConfig()
	cfg.GoalAssigner = "GreedyGoalAssigner"
	cfg.LookupTimeout = 200 * time.Millisecond
	opts := Options{Planner: cfg}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func frame(parent, child string, x, z float64) arena.TransformStamped {
	return arena.TransformStamped{
		ParentFrameID: parent,
		ChildFrameID:  child,
		Transform:     arena.Transform{Translation: arena.Vector3{X: x, Z: z}},
	}
}

func TestNew_RejectsBadPlannerConfig(t *testing.T) {
	cfg := planner.DefaultConfig()
	cfg.MAPFSolver = "nope"
	_, err := New(Options{Planner: cfg})
	assert.Error(t, err)
}

func TestSendTransform_FrameBecomesKnown(t *testing.T) {
	s := newTestSystem(t, nil)
	ctx := t.Context()

	require.NoError(t, s.SendTransform(ctx, frame("world", "arena", 0, 0)))
	require.Eventually(t, func() bool {
		ids, err := s.FrameIDs(ctx)
		return err == nil && len(ids) == 1 && ids[0] == "arena"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublishGoal_Queued(t *testing.T) {
	s := newTestSystem(t, nil)

	require.NoError(t, s.PublishGoal(t.Context(), arena.Position{X: 550, Y: 550, W: 1}))
	require.Eventually(t, func() bool {
		return len(s.Manager.UnassignedGoals()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPlanFlow_PublishesPath(t *testing.T) {
	mem := store.NewMockStore()
	collector := metrics.NewCollector("")
	s := newTestSystem(t, func(o *Options) {
		o.Store = mem
		o.Metrics = collector
	})
	ctx := t.Context()

	paths, err := s.SubscribePaths(ctx)
	require.NoError(t, err)

	require.NoError(t, s.SendTransform(ctx, frame("world", "arena", 0, 0)))
	require.NoError(t, s.SendTransform(ctx, frame("arena", "A_01", 50, 50)))
	require.NoError(t, s.PublishGoal(ctx, arena.Position{X: 550, Y: 50, W: 1}))
	require.Eventually(t, func() bool {
		return len(s.Manager.UnassignedGoals()) == 1 && len(s.Frames.AllFrameIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := s.AgentRequest(ctx, arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_01"})
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseWaitPlan, resp.ErrorMsg)

	select {
	case plan := <-paths:
		assigned, ok := plan.Find("A_01")
		require.True(t, ok, "plan should contain A_01: %+v", plan)
		require.NotEmpty(t, assigned.Path)
		assert.Equal(t, 550.0, assigned.Path[len(assigned.Path)-1].Translation.X)
	case <-time.After(5 * time.Second):
		t.Fatal("no plan published")
	}

	require.NoError(t, s.Manager.WaitIdle(ctx))
	assert.Equal(t, []arena.AssignedGoal{{AgentID: "A_01", Pos: arena.Position{X: 550, Y: 50, W: 1}}}, s.Manager.AssignedGoals())

	plans, err := mem.ListPlans(ctx, 10)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "SUCCESS", plans[0].Status)
}

func TestClose_RejectsCalls(t *testing.T) {
	s := newTestSystem(t, nil)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, err := s.AgentRequest(ctx, arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_01"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.PublishGoal(ctx, arena.Position{}), ErrClosed)
	assert.ErrorIs(t, s.Ready(ctx), ErrClosed)
	_, err = s.SubscribePaths(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAcceptGoal_Dedupes(t *testing.T) {
	s := newTestSystem(t, nil)
	ctx := t.Context()

	pos := arena.Position{X: 450, Y: 550, W: 1}
	accepted, err := s.AcceptGoal(ctx, pos, "http")
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = s.AcceptGoal(ctx, pos, "http")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, []arena.Position{pos}, s.Manager.UnassignedGoals())
}
