// Package store persists the broker's lifecycle audit log using SQLite.
//
// The instance registry itself is memory-only and is lost when the broker
// restarts. The audit log is the exception: every start, stop, registration,
// deregistration and stale demotion is appended here so "opencode-web events"
// can explain what happened to an instance after the fact.
//
// # Event IDs
//
// Event IDs are ULIDs. They sort lexicographically by creation time, so
// ListEvents orders by ID rather than by the timestamp column.
//
// # In-memory databases
//
// Path ":memory:" keeps the log in memory. The store holds a single
// connection so every query sees the same database. Tests that do not need
// SQLite at all can use MockStore, which applies the same filters.
package store
