// ABOUTME: Package store persists conversations, messages, and token usage
// ABOUTME: SQLite-backed; all writes are idempotent by entity id

// Package store is the persistence layer for the runtime: conversation
// configuration (mode, persona, model override, pinned ids), append-only
// message history, and token usage accounting. The SQLite implementation
// bootstraps its own schema and runs in WAL mode.
package store
