// Package config handles configuration loading for arena-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Every field has a default, so a file only needs the values it
// changes.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ARENA_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/arena/gateway.yaml
//  3. ~/.config/arena/gateway.yaml
//
// Files ending in .toml are decoded as TOML. `arena-gateway init` writes the
// defaults to the selected path.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${ARENA_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	planner:
//	  time_limit: "2s"      # 0s means no limit
//	  lookup_timeout: "100ms"
//	manager:
//	  idempotency_ttl: "10m"
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # agents, goal sources, frame broadcasters
//	  http_addr: "0.0.0.0:8080"   # REST API, websocket, metrics
//
//	database:
//	  path: "~/.local/share/arena/arena.db"  # empty disables the ledger
//
//	planner:
//	  arena_frame: "arena"
//	  world_frame: "world"
//	  arena_height: 600
//	  arena_width: 600
//	  agent_diameter: 100
//	  mapf_solver: "CBSSolver"            # or PrioritizedPlanningSolver
//	  goal_assigner: "SimpleGoalAssigner" # or GreedyGoalAssigner
//	  ignored_frames: ["mocap"]
//
//	manager:
//	  retry_rate: 0     # requests/second per agent, 0 disables RETRY
//	  retry_burst: 1
//
//	tailscale:
//	  enabled: false
//	  hostname: "arena-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Load() validates server addresses, the JWT secret length (32 bytes), the
// arena geometry, solver and assigner names, logging values and duration
// formats.
package config
