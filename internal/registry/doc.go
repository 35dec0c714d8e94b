// Package registry holds the broker's in-memory instance table.
//
// Each project directory (cwd) maps to at most one entry. Register marks an
// entry online, Heartbeat only refreshes lastSeen for an exact (cwd, port)
// match, and Deregister marks it offline. Staleness is detected lazily: List
// and Lookup demote online entries whose lastSeen is older than the threshold
// before returning. Nothing is persisted and nothing is ever deleted.
package registry
