// ABOUTME: Package backend adapts response-generation providers behind one interface
// ABOUTME: Registry maps conversation mode to a backend tier with override support

// Package backend hosts the response-generation adapters (Anthropic, OpenAI,
// and a deterministic mock) plus the registry that selects one per turn from
// conversation mode, an explicit override, and a complexity signal.
package backend
