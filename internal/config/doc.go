// ABOUTME: Package config loads and validates strand-server configuration
// ABOUTME: YAML with ${ENV} expansion; duration strings become time.Duration

// Package config handles YAML configuration for the runtime: listener
// address, auth secret, database path, concurrency limits, context window
// weights, backend declarations, tool manifest location, and timeouts for
// every external boundary.
package config
