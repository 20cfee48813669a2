// Package store provides persistent storage for the coordination ledger using SQLite.
//
// # Architecture
//
// Store is the single interface the manager and the HTTP API depend on.
// SQLiteStore is the production implementation; MockStore keeps records in
// memory for tests.
//
// # Data Models
//
//   - Goal: a goal position the manager accepted, with the surface it came from
//   - AgentEvent: one agent request and the reply the manager sent
//   - Plan: the outcome of a completed plan request (status, args, duration)
//
// Records are append-only. List methods return newest first and clamp the
// limit to [1, MaxListLimit], defaulting to DefaultListLimit.
//
// # SQLite Configuration
//
// File databases run in WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// Database file locations:
//
//   - Production: /var/lib/arena-gateway/arena.db
//   - Development: ~/.local/share/arena/arena.db
//   - Testing: :memory: (in-memory database, single connection)
//
// # Error Handling
//
//   - ErrNotFound: requested record does not exist
//
// All methods accept context.Context for cancellation support.
package store
