// ABOUTME: Service descriptor, server registration and client stubs for arena.v1.Coordinator
// ABOUTME: Carries agent requests, goals, transforms, frame listings and path streams over gRPC

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/2389/arena-gateway/internal/arena"
)

// ServiceName is the fully qualified coordinator service name.
const ServiceName = "arena.v1.Coordinator"

// Full method names of the coordinator service.
const (
	Coordinator_AgentRequest_FullMethodName     = "/arena.v1.Coordinator/AgentRequest"
	Coordinator_PublishGoal_FullMethodName      = "/arena.v1.Coordinator/PublishGoal"
	Coordinator_SendTransform_FullMethodName    = "/arena.v1.Coordinator/SendTransform"
	Coordinator_ListFrames_FullMethodName       = "/arena.v1.Coordinator/ListFrames"
	Coordinator_StreamAgentPaths_FullMethodName = "/arena.v1.Coordinator/StreamAgentPaths"
)

// IdempotencyKeyHeader is the metadata key that dedupes PublishGoal calls.
const IdempotencyKeyHeader = "x-idempotency-key"

// ListFramesRequest selects the frame listing format.
type ListFramesRequest struct {
	// Format "yaml" additionally renders every frame as a YAML document.
	Format string `json:"format,omitempty"`
}

// FrameList is the reply of ListFrames.
type FrameList struct {
	FrameIDs []string `json:"frame_ids"`
	YAML     string   `json:"yaml,omitempty"`
}

// PathsRequest opens a path stream, optionally for a single agent.
type PathsRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

// CoordinatorServer is the server API for the coordinator service.
type CoordinatorServer interface {
	AgentRequest(context.Context, *arena.AgentRequest) (*arena.AgentResponse, error)
	PublishGoal(context.Context, *arena.Position) (*emptypb.Empty, error)
	SendTransform(context.Context, *arena.TransformStamped) (*emptypb.Empty, error)
	ListFrames(context.Context, *ListFramesRequest) (*FrameList, error)
	StreamAgentPaths(*PathsRequest, grpc.ServerStreamingServer[arena.AgentPaths]) error
}

// UnimplementedCoordinatorServer can be embedded to have forward compatible implementations.
type UnimplementedCoordinatorServer struct{}

func (UnimplementedCoordinatorServer) AgentRequest(context.Context, *arena.AgentRequest) (*arena.AgentResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method AgentRequest not implemented")
}

func (UnimplementedCoordinatorServer) PublishGoal(context.Context, *arena.Position) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method PublishGoal not implemented")
}

func (UnimplementedCoordinatorServer) SendTransform(context.Context, *arena.TransformStamped) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SendTransform not implemented")
}

func (UnimplementedCoordinatorServer) ListFrames(context.Context, *ListFramesRequest) (*FrameList, error) {
	return nil, status.Error(codes.Unimplemented, "method ListFrames not implemented")
}

func (UnimplementedCoordinatorServer) StreamAgentPaths(*PathsRequest, grpc.ServerStreamingServer[arena.AgentPaths]) error {
	return status.Error(codes.Unimplemented, "method StreamAgentPaths not implemented")
}

// RegisterCoordinatorServer registers srv on s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&Coordinator_ServiceDesc, srv)
}

// unaryHandler adapts a typed unary method to the grpc.MethodDesc handler signature.
func unaryHandler[Req, Resp any](fullMethod string, call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CoordinatorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CoordinatorServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _Coordinator_StreamAgentPaths_Handler(srv any, stream grpc.ServerStream) error {
	m := new(PathsRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(CoordinatorServer).StreamAgentPaths(m, &grpc.GenericServerStream[PathsRequest, arena.AgentPaths]{ServerStream: stream})
}

// Coordinator_ServiceDesc is the grpc.ServiceDesc for the coordinator service.
var Coordinator_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AgentRequest",
			Handler:    unaryHandler(Coordinator_AgentRequest_FullMethodName, CoordinatorServer.AgentRequest),
		},
		{
			MethodName: "PublishGoal",
			Handler:    unaryHandler(Coordinator_PublishGoal_FullMethodName, CoordinatorServer.PublishGoal),
		},
		{
			MethodName: "SendTransform",
			Handler:    unaryHandler(Coordinator_SendTransform_FullMethodName, CoordinatorServer.SendTransform),
		},
		{
			MethodName: "ListFrames",
			Handler:    unaryHandler(Coordinator_ListFrames_FullMethodName, CoordinatorServer.ListFrames),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamAgentPaths",
			Handler:       _Coordinator_StreamAgentPaths_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "arena/v1/coordinator.json",
}

// CoordinatorClient is the client API for the coordinator service.
type CoordinatorClient interface {
	AgentRequest(ctx context.Context, in *arena.AgentRequest, opts ...grpc.CallOption) (*arena.AgentResponse, error)
	PublishGoal(ctx context.Context, in *arena.Position, opts ...grpc.CallOption) (*emptypb.Empty, error)
	SendTransform(ctx context.Context, in *arena.TransformStamped, opts ...grpc.CallOption) (*emptypb.Empty, error)
	ListFrames(ctx context.Context, in *ListFramesRequest, opts ...grpc.CallOption) (*FrameList, error)
	StreamAgentPaths(ctx context.Context, in *PathsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[arena.AgentPaths], error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorClient creates a client that speaks the JSON codec over cc.
func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc}
}

func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.StaticMethod(), grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *coordinatorClient) AgentRequest(ctx context.Context, in *arena.AgentRequest, opts ...grpc.CallOption) (*arena.AgentResponse, error) {
	out := new(arena.AgentResponse)
	if err := c.cc.Invoke(ctx, Coordinator_AgentRequest_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) PublishGoal(ctx context.Context, in *arena.Position, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, Coordinator_PublishGoal_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) SendTransform(ctx context.Context, in *arena.TransformStamped, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, Coordinator_SendTransform_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) ListFrames(ctx context.Context, in *ListFramesRequest, opts ...grpc.CallOption) (*FrameList, error) {
	out := new(FrameList)
	if err := c.cc.Invoke(ctx, Coordinator_ListFrames_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) StreamAgentPaths(ctx context.Context, in *PathsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[arena.AgentPaths], error) {
	stream, err := c.cc.NewStream(ctx, &Coordinator_ServiceDesc.Streams[0], Coordinator_StreamAgentPaths_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[PathsRequest, arena.AgentPaths]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
