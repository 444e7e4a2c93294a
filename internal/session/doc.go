// ABOUTME: Package session tracks live client connections and their lifecycle
// ABOUTME: Connecting -> open -> draining -> closed, with per-session turn limits

// Package session owns the state of each client connection: its lifecycle,
// its outbound envelope queue (drained by a single writer goroutine), and the
// cancel handles of its in-flight turns. The Manager enforces the connection
// ceiling and tracks typing/presence signals shared across sessions.
package session
