// Package agent drives one arena agent against the coordinator.
//
// # Executor
//
// An Executor plays the part of an agent: it waits for the agent_request
// service, sends requests, honors RETRY replies and watches the shared
// agent_paths channel for its own path:
//
//	exec := agent.NewExecutor(agent.Config{ID: "A_01"}, svc, svc)
//	if err := exec.Listen(ctx); err != nil { ... }
//	if err := exec.WaitForService(ctx); err != nil { ... }
//	resp, err := exec.RequestAndWait(ctx, arena.RequestIdle)
//	path, found, err := exec.WaitForPath(ctx)
//
// Both *system.System (in-process) and *client.Client (remote gateway)
// satisfy Service and PathSource.
//
// # Retries
//
// A RETRY reply carries the delay in seconds as args[0]. RequestAndWait
// sleeps that long and resends the same request until a terminal reply
// arrives, MaxAttempts requests have been sent, or ctx ends. Exhausting the
// attempts returns ErrRetriesExhausted.
//
// # Paths
//
// Every plan is broadcast to all agents. The executor scans the broadcast in
// order and takes the first entry whose agent_id matches its own. A plan
// without such an entry is logged as "no path published".
package agent
