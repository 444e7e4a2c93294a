// ABOUTME: Package instruction parses and executes slash commands
// ABOUTME: Parse -> authorize -> execute -> emit result, permission-gated

// Package instruction handles the command path of the pipeline: slash-style
// commands that mutate a conversation's configuration (mode, model override,
// persona, context parameters, pins) under role checks. Destructive commands
// pend until a /confirm follow-up arrives within the configured TTL.
package instruction
