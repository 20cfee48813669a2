// ABOUTME: gRPC client for the arena.v1.Coordinator service and its health check
// ABOUTME: Used by agents, goal publishers and the arena-sim CLI to reach a remote gateway

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/2389/arena-gateway/internal/arena"
	"github.com/2389/arena-gateway/internal/rpc"
)

// ErrNotServing is returned by Ready while the gateway reports anything but SERVING.
var ErrNotServing = errors.New("coordinator not serving")

// tokenCredentials attaches a bearer token to every call.
type tokenCredentials struct {
	token string
}

func (t tokenCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + t.token}, nil
}

// Tokens travel over plaintext connections on trusted networks (tailnet, localhost).
func (tokenCredentials) RequireTransportSecurity() bool {
	return false
}

type options struct {
	token      string
	pathFilter string
	dialOpts   []grpc.DialOption
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithToken authenticates every call with a JWT bearer token.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithPathFilter asks the gateway to stream only agentID's path.
func WithPathFilter(agentID string) Option {
	return func(o *options) { o.pathFilter = agentID }
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) { o.dialOpts = append(o.dialOpts, opts...) }
}

// WithLogger sets the logger used by background path streams.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Client talks to a gateway over gRPC.
type Client struct {
	conn       *grpc.ClientConn
	rpc        rpc.CoordinatorClient
	health     healthpb.HealthClient
	pathFilter string
	logger     *slog.Logger
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string, opts ...Option) (*Client, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if o.token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(tokenCredentials{token: o.token}))
	}
	dialOpts = append(dialOpts, o.dialOpts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Client{
		conn:       conn,
		rpc:        rpc.NewCoordinatorClient(conn),
		health:     healthpb.NewHealthClient(conn),
		pathFilter: o.pathFilter,
		logger:     o.logger.With("component", "client"),
	}, nil
}

// Ready reports whether the coordinator service is serving.
func (c *Client) Ready(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: rpc.ServiceName})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}

// AgentRequest sends one agent request and returns the manager's reply.
func (c *Client) AgentRequest(ctx context.Context, req arena.AgentRequest) (arena.AgentResponse, error) {
	resp, err := c.rpc.AgentRequest(ctx, &req)
	if err != nil {
		return arena.AgentResponse{}, err
	}
	return *resp, nil
}

// PublishGoal submits a goal once; failures are not retried.
func (c *Client) PublishGoal(ctx context.Context, pos arena.Position) error {
	_, err := c.rpc.PublishGoal(ctx, &pos)
	return err
}

// PublishGoalOnce submits a goal under an idempotency key, so retries with the
// same key are applied at most once.
func (c *Client) PublishGoalOnce(ctx context.Context, key string, pos arena.Position) error {
	ctx = metadata.AppendToOutgoingContext(ctx, rpc.IdempotencyKeyHeader, key)
	_, err := c.rpc.PublishGoal(ctx, &pos)
	return err
}

// SendTransform broadcasts a frame transform.
func (c *Client) SendTransform(ctx context.Context, ts arena.TransformStamped) error {
	_, err := c.rpc.SendTransform(ctx, &ts)
	return err
}

// FrameIDs lists the frames known to the planner.
func (c *Client) FrameIDs(ctx context.Context) ([]string, error) {
	list, err := c.rpc.ListFrames(ctx, &rpc.ListFramesRequest{})
	if err != nil {
		return nil, err
	}
	return list.FrameIDs, nil
}

// FramesYAML renders every known frame as YAML.
func (c *Client) FramesYAML(ctx context.Context) (string, error) {
	list, err := c.rpc.ListFrames(ctx, &rpc.ListFramesRequest{Format: "yaml"})
	if err != nil {
		return "", err
	}
	return list.YAML, nil
}

// SubscribePaths streams published plans until ctx ends or the stream fails.
// It returns once the gateway has subscribed, so every plan published after
// that is delivered. The channel is closed when the stream ends.
func (c *Client) SubscribePaths(ctx context.Context) (<-chan arena.AgentPaths, error) {
	stream, err := c.rpc.StreamAgentPaths(ctx, &rpc.PathsRequest{AgentID: c.pathFilter})
	if err != nil {
		return nil, fmt.Errorf("opening path stream: %w", err)
	}
	if _, err := stream.Header(); err != nil {
		return nil, fmt.Errorf("waiting for path stream: %w", err)
	}

	out := make(chan arena.AgentPaths, 16)
	go func() {
		defer close(out)
		for {
			paths, err := stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					c.logger.Warn("path stream ended", "error", err)
				}
				return
			}
			select {
			case out <- *paths:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
