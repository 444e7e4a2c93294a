// ABOUTME: Package orchestrator coordinates one generative turn end to end
// ABOUTME: Backend selection, bounded tool fan-out, generation, post-processing

// Package orchestrator is the per-turn coordinator: it assembles context,
// selects a response backend, fans out planned tool calls with a bounded
// limit and a join point, streams the backend's output, and post-processes
// the final text. Turns on the same conversation id are serialized; failures
// of optional sub-steps degrade the turn, failures of mandatory ones abort
// it with a single classified error.
package orchestrator
