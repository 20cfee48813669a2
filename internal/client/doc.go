// Package client is the gRPC client of the arena gateway.
//
// A Client implements the same small interfaces as the in-process
// system.System (Ready, AgentRequest, PublishGoal, SendTransform, FrameIDs
// and SubscribePaths), so agents and the test harness run unchanged against
// either.
//
//	c, err := client.Dial("localhost:50051", client.WithToken(token))
//	resp, err := c.AgentRequest(ctx, arena.AgentRequest{AgentMsg: arena.RequestIdle, AgentID: "A_01"})
package client
