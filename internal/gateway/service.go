// ABOUTME: Coordinator gRPC service implementation backed by the coordination system
// ABOUTME: Enforces per-agent authorization, goal idempotency keys and path stream filtering

package gateway

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/auth"
	"github.com/2389/arena-gateway/internal/manager"
	"github.com/2389/arena-gateway/internal/rpc"
	"github.com/2389/arena-gateway/internal/system"
)

// coordinatorService implements the arena.v1.Coordinator gRPC service.
type coordinatorService struct {
	rpc.UnimplementedCoordinatorServer
	gateway *Gateway
	logger  *slog.Logger
}

func newCoordinatorService(gw *Gateway, logger *slog.Logger) *coordinatorService {
	return &coordinatorService{
		gateway: gw,
		logger:  logger,
	}
}

// toStatus maps system errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, system.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *coordinatorService) AgentRequest(ctx context.Context, req *arena.AgentRequest) (*arena.AgentResponse, error) {
	if !auth.FromContext(ctx).CanSpeakFor(req.AgentID) {
		return nil, status.Errorf(codes.PermissionDenied, "not allowed to send requests for agent %q", req.AgentID)
	}
	resp, err := s.gateway.system.AgentRequest(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &resp, nil
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(rpc.IdempotencyKeyHeader); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (s *coordinatorService) PublishGoal(ctx context.Context, pos *arena.Position) (*emptypb.Empty, error) {
	if !auth.FromContext(ctx).IsOperator() {
		return nil, status.Error(codes.PermissionDenied, "operator role required to publish goals")
	}
	accepted, duplicate, err := s.gateway.acceptGoal(ctx, idempotencyKey(ctx), *pos, manager.SourceGRPC)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug("goal submitted", "goal", pos.String(), "accepted", accepted, "duplicate", duplicate)
	return &emptypb.Empty{}, nil
}

func validTransform(ts *arena.TransformStamped) bool {
	return ts.ParentFrameID != "" && ts.ChildFrameID != "" && ts.ParentFrameID != ts.ChildFrameID
}

func (s *coordinatorService) SendTransform(ctx context.Context, ts *arena.TransformStamped) (*emptypb.Empty, error) {
	if !validTransform(ts) {
		return nil, status.Errorf(codes.InvalidArgument, "invalid transform %q -> %q", ts.ParentFrameID, ts.ChildFrameID)
	}
	// Agents broadcast their own frame; everything else needs an operator.
	if !auth.FromContext(ctx).CanSpeakFor(ts.ChildFrameID) {
		return nil, status.Errorf(codes.PermissionDenied, "not allowed to broadcast frame %q", ts.ChildFrameID)
	}
	if err := s.gateway.system.SendTransform(ctx, *ts); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *coordinatorService) ListFrames(ctx context.Context, req *rpc.ListFramesRequest) (*rpc.FrameList, error) {
	ids, err := s.gateway.system.FrameIDs(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out := &rpc.FrameList{FrameIDs: ids}
	switch req.Format {
	case "":
	case "yaml":
		if out.YAML, err = s.gateway.system.Frames.AllFramesAsYAML(); err != nil {
			return nil, status.Errorf(codes.Internal, "rendering frames: %v", err)
		}
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unsupported frame format %q", req.Format)
	}
	return out, nil
}

// pathFilter resolves which agent a caller may watch. Agents only see their own path.
func pathFilter(ac *auth.AuthContext, requested string) (string, bool) {
	if ac.IsOperator() {
		return requested, true
	}
	if ac == nil || ac.Role != auth.RoleAgent {
		return "", false
	}
	if requested == "" {
		return ac.PrincipalID, true
	}
	return requested, requested == ac.PrincipalID
}

// filterPaths narrows a plan to agentID. An empty agentID keeps the whole plan;
// otherwise the result holds at most the agent's own entry.
func filterPaths(paths arena.AgentPaths, agentID string) arena.AgentPaths {
	if agentID == "" {
		return paths
	}
	out := arena.AgentPaths{AgentPaths: []arena.AssignedPath{}}
	if assigned, ok := paths.Find(agentID); ok {
		out.AgentPaths = append(out.AgentPaths, assigned)
	}
	return out
}

func (s *coordinatorService) StreamAgentPaths(req *rpc.PathsRequest, stream grpc.ServerStreamingServer[arena.AgentPaths]) error {
	ctx := stream.Context()
	agentID, ok := pathFilter(auth.FromContext(ctx), req.AgentID)
	if !ok {
		return status.Errorf(codes.PermissionDenied, "not allowed to watch paths of agent %q", req.AgentID)
	}

	paths, err := s.gateway.system.SubscribePaths(ctx)
	if err != nil {
		return toStatus(err)
	}
	// Headers tell the client it is subscribed.
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}
	s.logger.Info("path stream opened", "agent_id", agentID)
	defer s.logger.Info("path stream closed", "agent_id", agentID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.gateway.done:
			return nil
		case plan, ok := <-paths:
			if !ok {
				return nil
			}
			out := filterPaths(plan, agentID)
			if err := stream.Send(&out); err != nil {
				return err
			}
		}
	}
}
