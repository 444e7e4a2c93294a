// ABOUTME: Package tools is the gateway to external tool handlers
// ABOUTME: role check -> rate limit -> validate -> timed dispatch -> normalize

// Package tools registers invocable tools and runs the authorization
// pipeline in front of them. Policy (roles, rate limits, timeouts) has code
// defaults and can be overridden per deployment through a TOML manifest.
package tools
