// ABOUTME: Manager test client issuing asynchronous agent requests
// ABOUTME: Each call exposes its in-flight response for later inspection

package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/2389/arena-gateway/internal/arena"
)

// Requester sends agent requests.
type Requester interface {
	AgentRequest(ctx context.Context, req arena.AgentRequest) (arena.AgentResponse, error)
}

// ManagerTestClient issues agent requests without retrying.
type ManagerTestClient struct {
	requester Requester
}

// NewManagerTestClient wraps requester.
func NewManagerTestClient(requester Requester) *ManagerTestClient {
	return &ManagerTestClient{requester: requester}
}

// Call is one in-flight request.
type Call struct {
	Request arena.AgentRequest

	done chan struct{}
	resp arena.AgentResponse
	err  error
}

// CreateRequest sends msg for agentID in the background.
func (c *ManagerTestClient) CreateRequest(ctx context.Context, msg arena.RequestType, agentID string) *Call {
	call := &Call{
		Request: arena.AgentRequest{AgentMsg: msg, AgentID: agentID},
		done:    make(chan struct{}),
	}
	go func() {
		defer close(call.done)
		call.resp, call.err = c.requester.AgentRequest(ctx, call.Request)
	}()
	return call
}

// Done is closed when the response has arrived.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the response arrives or ctx ends.
func (c *Call) Wait(ctx context.Context) (arena.AgentResponse, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return arena.AgentResponse{}, fmt.Errorf("waiting for %s from %s: %w", c.Request.AgentMsg, c.Request.AgentID, ctx.Err())
	}
}

// WaitFor polls cond every interval until it holds or ctx ends.
func WaitFor(ctx context.Context, interval time.Duration, cond func() bool) error {
	if cond() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("condition not met: %w", ctx.Err())
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}
