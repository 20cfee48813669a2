// Package gateway hosts the arena coordination system behind gRPC and HTTP.
//
// # Overview
//
// The Gateway owns the in-process system (topics, frame buffer, planner and
// manager), the optional SQLite ledger, the Prometheus collector and both
// servers. New wires everything from a config.Config; Run serves until the
// context ends and then shuts down with a 5 second grace period.
//
// # gRPC
//
// The arena.v1.Coordinator service (see package rpc) is served with the JSON
// codec alongside the standard gRPC health service:
//
//   - AgentRequest: forwards an agent request to the manager
//   - PublishGoal: queues a goal; x-idempotency-key metadata dedupes retries
//   - SendTransform: broadcasts a frame transform on the tf topic
//   - ListFrames: lists known frames, optionally rendered as YAML
//   - StreamAgentPaths: streams every published plan, optionally for one agent
//
// # HTTP API
//
//	GET  /health                    liveness
//	GET  /health/ready              503 until the arena frame is known
//	GET  /metrics                   Prometheus metrics (metrics.path)
//	GET  /api/state                 manager queues and plan generation
//	GET  /api/frames[?format=yaml]  known frames
//	GET  /api/goals                 ledger: accepted goals
//	POST /api/goals                 queue a goal (Idempotency-Key header)
//	POST /api/agents/{id}/requests  send an agent request
//	GET  /api/agents/{id}/events    ledger: agent requests and replies
//	GET  /api/plans[/{id}]          ledger: plan outcomes
//	GET  /ws/paths[?agent_id=]      WebSocket stream of published plans
//
// Ledger routes answer 503 when database.path is empty.
//
// # Authorization
//
// With auth.jwt_secret set, gRPC calls and /api, /ws routes require a bearer
// token. Agents speak only for their own id: agent requests, their own frame
// transforms and their own path stream. Goals require the operator role.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// listens on :50051 (gRPC) and :80 (HTTP) there, ignoring server addresses.
package gateway
