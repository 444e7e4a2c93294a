// ABOUTME: Package memory is the gateway to retrievable conversation memory
// ABOUTME: Short-term in-process tier, long-term history, and pinned facts

// Package memory provides the retrieval interface the context integrator
// queries when assembling a turn. Items come from tiers (short_term,
// long_term, fact) and carry a relevance score and timestamp. Writes are
// idempotent by turn id so the recorder can safely retry.
package memory
