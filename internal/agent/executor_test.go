// ABOUTME: Tests for the agent executor against scripted services and a real in-process system
// ABOUTME: Covers readiness polling, RETRY handling, attempt limits and path lookup

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/planner"
	"github.com/2389/arena-gateway/internal/system"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedService answers requests from a fixed list of replies.
type scriptedService struct {
	mu        sync.Mutex
	notReady  int
	replies   []arena.AgentResponse
	requests  []arena.AgentRequest
	readyHits int
}

func (s *scriptedService) Ready(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyHits++
	if s.readyHits <= s.notReady {
		return errors.New("not yet")
	}
	return nil
}

func (s *scriptedService) AgentRequest(ctx context.Context, req arena.AgentRequest) (arena.AgentResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return arena.AgentResponse{ErrorMsg: arena.ResponseWaitPlan}, nil
	}
	resp := s.replies[0]
	s.replies = s.replies[1:]
	return resp, nil
}

func (s *scriptedService) sent() []arena.AgentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]arena.AgentRequest(nil), s.requests...)
}

// chanPaths hands out one channel the test feeds directly.
type chanPaths struct {
	ch  chan arena.AgentPaths
	err error
}

func (c *chanPaths) SubscribePaths(ctx context.Context) (<-chan arena.AgentPaths, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.ch, nil
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWaitForService_PollsUntilReady(t *testing.T) {
	svc := &scriptedService{notReady: 3}
	exec := NewExecutor(Config{ID: "A_01", PollInterval: time.Millisecond, Logger: testLogger()}, svc, nil)

	require.NoError(t, exec.WaitForService(testCtx(t)))
	assert.Equal(t, 4, svc.readyHits)
}

func TestWaitForService_ContextEnds(t *testing.T) {
	svc := &scriptedService{notReady: 1 << 30}
	exec := NewExecutor(Config{ID: "A_01", PollInterval: time.Millisecond, Logger: testLogger()}, svc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := exec.WaitForService(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestAndWait_ResendsOnRetry(t *testing.T) {
	svc := &scriptedService{replies: []arena.AgentResponse{
		arena.RetryResponse(time.Millisecond),
		arena.RetryResponse(2 * time.Millisecond),
		{ErrorMsg: arena.ResponseWaitPlan},
	}}
	exec := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, svc, nil)

	resp, err := exec.RequestAndWait(testCtx(t), arena.RequestIdle)
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseWaitPlan, resp.ErrorMsg)

	sent := svc.sent()
	require.Len(t, sent, 3)
	for _, req := range sent {
		assert.Equal(t, arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_01"}, req)
	}
}

func TestRequestAndWait_MaxAttempts(t *testing.T) {
	replies := make([]arena.AgentResponse, 10)
	for i := range replies {
		replies[i] = arena.RetryResponse(time.Millisecond)
	}
	svc := &scriptedService{replies: replies}
	exec := NewExecutor(Config{ID: "A_01", MaxAttempts: 3, Logger: testLogger()}, svc, nil)

	resp, err := exec.RequestAndWait(testCtx(t), arena.RequestIdle)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, arena.ResponseRetry, resp.ErrorMsg)
	assert.Len(t, svc.sent(), 3)
}

func TestRequestAndWait_ContextDeadline(t *testing.T) {
	svc := &scriptedService{replies: []arena.AgentResponse{arena.RetryResponse(time.Hour)}}
	exec := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, svc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := exec.RequestAndWait(ctx, arena.RequestIdle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, svc.sent(), 1)
}

func TestRequestAndWait_MalformedRetry(t *testing.T) {
	svc := &scriptedService{replies: []arena.AgentResponse{{ErrorMsg: arena.ResponseRetry}}}
	exec := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, svc, nil)

	_, err := exec.RequestAndWait(testCtx(t), arena.RequestIdle)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
}

func TestWaitForPath_FirstMatchWins(t *testing.T) {
	paths := &chanPaths{ch: make(chan arena.AgentPaths, 4)}
	exec := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, &scriptedService{}, paths)
	ctx := testCtx(t)
	require.NoError(t, exec.Listen(ctx))

	_, err := exec.RequestAndWait(ctx, arena.RequestIdle)
	require.NoError(t, err)

	first := arena.AssignedPath{AgentID: "A_01", Path: []arena.Transform{{Translation: arena.Vector3{X: 1}}}}
	second := arena.AssignedPath{AgentID: "A_01", Path: []arena.Transform{{Translation: arena.Vector3{X: 2}}}}
	paths.ch <- arena.AgentPaths{AgentPaths: []arena.AssignedPath{{AgentID: "A_02"}, first, second}}

	got, found, err := exec.WaitForPath(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first, got)

	close(paths.ch)
	<-exec.Done()
}

func TestWaitForPath_ReportsMissingPath(t *testing.T) {
	paths := &chanPaths{ch: make(chan arena.AgentPaths, 4)}
	exec := NewExecutor(Config{ID: "A_03", Logger: testLogger()}, &scriptedService{}, paths)
	ctx := testCtx(t)
	require.NoError(t, exec.Listen(ctx))

	paths.ch <- arena.AgentPaths{AgentPaths: []arena.AssignedPath{{AgentID: "A_01"}}}
	_, found, err := exec.WaitForPath(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	close(paths.ch)
	<-exec.Done()
}

func TestWaitForPath_IgnoresPlansBeforeRequest(t *testing.T) {
	paths := &chanPaths{ch: make(chan arena.AgentPaths, 4)}
	exec := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, &scriptedService{}, paths)
	ctx := testCtx(t)
	require.NoError(t, exec.Listen(ctx))

	paths.ch <- arena.AgentPaths{AgentPaths: []arena.AssignedPath{{AgentID: "A_01"}}}
	require.Eventually(t, func() bool {
		_, _, err := exec.WaitForPath(ctx)
		return err == nil
	}, time.Second, time.Millisecond)

	_, err := exec.RequestAndWait(ctx, arena.RequestIdle)
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, _, err = exec.WaitForPath(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(paths.ch)
	<-exec.Done()
}

func TestWaitForPath_Errors(t *testing.T) {
	exec := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, &scriptedService{}, nil)
	_, _, err := exec.WaitForPath(testCtx(t))
	assert.ErrorIs(t, err, ErrNotListening)
	assert.ErrorIs(t, exec.Listen(testCtx(t)), ErrNotListening)

	failing := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, &scriptedService{}, &chanPaths{err: errors.New("boom")})
	assert.Error(t, failing.Listen(testCtx(t)))

	paths := &chanPaths{ch: make(chan arena.AgentPaths)}
	closing := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, &scriptedService{}, paths)
	require.NoError(t, closing.Listen(testCtx(t)))
	assert.Error(t, closing.Listen(testCtx(t)), "second Listen should fail")
	close(paths.ch)
	_, _, err = closing.WaitForPath(testCtx(t))
	assert.ErrorIs(t, err, ErrPathsClosed)
}

func TestDisconnectAndReconnect(t *testing.T) {
	svc := &scriptedService{replies: []arena.AgentResponse{
		{ErrorMsg: arena.ResponseAgentPlanCanceled},
		{ErrorMsg: arena.ResponseWaitPlan},
	}}
	exec := NewExecutor(Config{ID: "A_02", Logger: testLogger()}, svc, nil)

	resp, err := exec.DisconnectAndReconnect(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseWaitPlan, resp.ErrorMsg)

	sent := svc.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, arena.RequestAgentDisconnected, sent[0].AgentMsg)
	assert.Equal(t, arena.RequestIdle, sent[1].AgentMsg)
}

func TestExecutor_AgainstSystem(t *testing.T) {
	cfg := planner.DefaultConfig()
	cfg.GoalAssigner = "GreedyGoalAssigner"
	cfg.LookupTimeout = 200 * time.Millisecond
	sys, err := system.New(system.Options{Planner: cfg, Logger: testLogger()})
	require.NoError(t, err)
	defer sys.Close()

	ctx, cancel := context.WithCancel(testCtx(t))
	defer cancel()

	require.NoError(t, sys.SendTransform(ctx, arena.TransformStamped{ParentFrameID: "world", ChildFrameID: "arena"}))
	require.NoError(t, sys.SendTransform(ctx, arena.TransformStamped{
		ParentFrameID: "arena", ChildFrameID: "A_01",
		Transform: arena.Transform{Translation: arena.Vector3{X: 50, Z: 50}},
	}))
	require.Eventually(t, func() bool {
		return len(sys.Frames.AllFrameIDs()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	exec := NewExecutor(Config{ID: "A_01", Logger: testLogger()}, sys, sys)
	require.NoError(t, exec.Listen(ctx))
	require.NoError(t, exec.WaitForService(ctx))

	_, err = sys.AcceptGoal(ctx, arena.Position{X: 550, Y: 50, W: 1}, "test")
	require.NoError(t, err)

	resp, err := exec.RequestAndWait(ctx, arena.RequestIdle)
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseWaitPlan, resp.ErrorMsg)

	path, found, err := exec.WaitForPath(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, path.Path)
	assert.InDelta(t, 550, path.Path[len(path.Path)-1].Translation.X, 1e-9)

	cancel()
	<-exec.Done()
}
