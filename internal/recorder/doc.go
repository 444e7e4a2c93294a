// ABOUTME: Package recorder persists completed turns to durable storage
// ABOUTME: and feeds them to the memory gateway for later retrieval

// Package recorder writes the user message, assistant message, and token
// usage for each completed turn. Message ids are derived from the turn's
// correlation id, so replaying a turn is a no-op at the storage layer.
// Memory indexing runs detached from the turn's context.
package recorder
