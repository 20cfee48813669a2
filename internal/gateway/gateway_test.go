// ABOUTME: Tests for the Gateway orchestrator and the Coordinator gRPC service
// ABOUTME: Serves the real gRPC server over bufconn and runs the full listener lifecycle

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/config"
	"github.com/2389/arena-gateway/internal/rpc"
	"github.com/2389/arena-gateway/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig creates an in-memory config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.GRPCAddr = freeAddr(t)
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Database.Path = store.MemoryPath
	cfg.Planner.GoalAssigner = "GreedyGoalAssigner"
	cfg.Planner.LookupTimeout = 200 * time.Millisecond
	return cfg
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *Gateway {
	t.Helper()
	t.Setenv(EnvDBPath, "")
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

// dialBufconn serves the gateway's gRPC server in memory and returns a client connection.
func dialBufconn(t *testing.T, gw *Gateway) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = gw.grpcServer.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func withToken(t *testing.T, ctx context.Context, subject, role string) context.Context {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate(subject, role, time.Hour)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t, nil)

	assert.NotNil(t, gw.System())
	assert.NotNil(t, gw.store, "memory store should be opened")
	assert.NotNil(t, gw.metrics, "metrics enabled by default")
	assert.False(t, gw.authn.Enabled(), "no secret configured")
}

func TestGatewayNew_PersistenceDisabled(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Database.Path = "" })
	assert.Nil(t, gw.store)
}

func TestGatewayNew_BadPlanner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Planner.MAPFSolver = "nope"
	_, err := New(cfg, testLogger())
	assert.Error(t, err)
}

func TestAgentRequest_Anonymous(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := rpc.NewCoordinatorClient(dialBufconn(t, gw))
	ctx := testCtx(t)

	resp, err := client.AgentRequest(ctx, &arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_01"})
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseWaitPlan, resp.ErrorMsg)
	assert.Equal(t, []string{"A_01"}, gw.System().Manager.UnassignedAgents())

	resp, err = client.AgentRequest(ctx, &arena.AgentRequest{AgentMsg: "DANCE", AgentID: "A_01"})
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseInvalidMessage, resp.ErrorMsg)

	events, err := gw.store.ListAgentEvents(ctx, "A_01", 10)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestAgentRequest_TokenAuthorization(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Auth.JWTSecret = testSecret })
	client := rpc.NewCoordinatorClient(dialBufconn(t, gw))
	ctx := testCtx(t)

	_, err := client.AgentRequest(ctx, &arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_01"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	agentCtx := withToken(t, ctx, "A_01", auth.RoleAgent)
	_, err = client.AgentRequest(agentCtx, &arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_02"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	resp, err := client.AgentRequest(agentCtx, &arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_01"})
	require.NoError(t, err)
	assert.Equal(t, arena.ResponseWaitPlan, resp.ErrorMsg)

	_, err = client.PublishGoal(agentCtx, &arena.Position{X: 550, Y: 550})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	opCtx := withToken(t, ctx, "ops", auth.RoleOperator)
	_, err = client.AgentRequest(opCtx, &arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_02"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A_01", "A_02"}, gw.System().Manager.UnassignedAgents())
}

func TestPublishGoal_IdempotencyKey(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := rpc.NewCoordinatorClient(dialBufconn(t, gw))
	ctx := testCtx(t)

	keyed := metadata.AppendToOutgoingContext(ctx, rpc.IdempotencyKeyHeader, "goal-1")
	_, err := client.PublishGoal(keyed, &arena.Position{X: 550, Y: 550, W: 1})
	require.NoError(t, err)
	// Same key, different body: replayed, not applied.
	_, err = client.PublishGoal(keyed, &arena.Position{X: 450, Y: 550, W: 1})
	require.NoError(t, err)
	_, err = client.PublishGoal(ctx, &arena.Position{X: 350, Y: 550, W: 1})
	require.NoError(t, err)

	assert.Equal(t, []arena.Position{{X: 550, Y: 550, W: 1}, {X: 350, Y: 550, W: 1}}, gw.System().Manager.UnassignedGoals())

	goals, err := gw.store.ListGoals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, goals, 2)
	assert.Equal(t, "grpc", goals[0].Source)
}

func TestSendTransformAndListFrames(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := rpc.NewCoordinatorClient(dialBufconn(t, gw))
	ctx := testCtx(t)

	_, err := client.SendTransform(ctx, &arena.TransformStamped{ParentFrameID: "arena", ChildFrameID: "arena"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.SendTransform(ctx, &arena.TransformStamped{ParentFrameID: "world", ChildFrameID: "arena"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		list, err := client.ListFrames(ctx, &rpc.ListFramesRequest{})
		return err == nil && len(list.FrameIDs) == 1 && list.FrameIDs[0] == "arena"
	}, 2*time.Second, 10*time.Millisecond)

	list, err := client.ListFrames(ctx, &rpc.ListFramesRequest{Format: "yaml"})
	require.NoError(t, err)
	assert.Contains(t, list.YAML, "arena:")
	assert.Contains(t, list.YAML, "parent: world")

	_, err = client.ListFrames(ctx, &rpc.ListFramesRequest{Format: "xml"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSendTransform_AgentOwnFrameOnly(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Auth.JWTSecret = testSecret })
	client := rpc.NewCoordinatorClient(dialBufconn(t, gw))
	agentCtx := withToken(t, testCtx(t), "A_01", auth.RoleAgent)

	_, err := client.SendTransform(agentCtx, &arena.TransformStamped{ParentFrameID: "arena", ChildFrameID: "A_01"})
	require.NoError(t, err)
	_, err = client.SendTransform(agentCtx, &arena.TransformStamped{ParentFrameID: "world", ChildFrameID: "arena"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestStreamAgentPaths_Filtered(t *testing.T) {
	gw := newTestGateway(t, nil)
	client := rpc.NewCoordinatorClient(dialBufconn(t, gw))
	ctx := testCtx(t)

	stream, err := client.StreamAgentPaths(ctx, &rpc.PathsRequest{AgentID: "A_02"})
	require.NoError(t, err)
	_, err = stream.Header()
	require.NoError(t, err)
	assert.Equal(t, 1, gw.System().Paths.SubscriberCount(), "headers arrive after the subscription")

	gw.System().Paths.Publish(arena.AgentPaths{AgentPaths: []arena.AssignedPath{
		{AgentID: "A_01"},
		{AgentID: "A_02", Path: []arena.Transform{{Translation: arena.Vector3{X: 150, Z: 150}}}},
	}})
	gw.System().Paths.Publish(arena.AgentPaths{AgentPaths: []arena.AssignedPath{{AgentID: "A_01"}}})

	first, err := stream.Recv()
	require.NoError(t, err)
	require.Len(t, first.AgentPaths, 1)
	assert.Equal(t, "A_02", first.AgentPaths[0].AgentID)

	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Empty(t, second.AgentPaths, "plans without the agent arrive empty")
}

func TestStreamAgentPaths_AgentCannotWatchOthers(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) { c.Auth.JWTSecret = testSecret })
	client := rpc.NewCoordinatorClient(dialBufconn(t, gw))
	agentCtx := withToken(t, testCtx(t), "A_01", auth.RoleAgent)

	stream, err := client.StreamAgentPaths(agentCtx, &rpc.PathsRequest{AgentID: "A_02"})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestHealthService(t *testing.T) {
	gw := newTestGateway(t, nil)
	conn := dialBufconn(t, gw)

	resp, err := healthpb.NewHealthClient(conn).Check(testCtx(t), &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestPathFilter(t *testing.T) {
	tests := []struct {
		name      string
		ac        *auth.AuthContext
		requested string
		want      string
		ok        bool
	}{
		{"operator all", auth.Anonymous(), "", "", true},
		{"operator one", auth.Anonymous(), "A_02", "A_02", true},
		{"agent defaults to self", &auth.AuthContext{PrincipalID: "A_01", Role: auth.RoleAgent}, "", "A_01", true},
		{"agent self", &auth.AuthContext{PrincipalID: "A_01", Role: auth.RoleAgent}, "A_01", "A_01", true},
		{"agent other", &auth.AuthContext{PrincipalID: "A_01", Role: auth.RoleAgent}, "A_02", "A_02", false},
		{"no auth", nil, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pathFilter(tt.ac, tt.requested)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestGatewayRun_ServesAndShutsDown(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	url := "http://" + gw.config.Server.HTTPAddr + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err := gw.System().AgentRequest(context.Background(), arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_01"})
	assert.Error(t, err, "system should be closed after shutdown")
}
