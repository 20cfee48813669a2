// Package harness holds the helpers used to drive the coordinator in tests
// and from the arena-sim CLI.
//
// FixedFrameBroadcaster republishes one transform on a fixed interval,
// GoalPublisher sends single goals, and ManagerTestClient issues one
// asynchronous agent request at a time. WaitFor replaces fixed sleeps with a
// bounded poll of a condition.
//
// Every helper talks to a small interface, so the same code runs against an
// in-process *system.System or a remote gateway through *client.Client.
package harness
