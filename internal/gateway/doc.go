// ABOUTME: Package gateway terminates client websocket connections
// ABOUTME: and drives each accepted envelope through the turn pipeline

// Package gateway is the client-facing edge of the runtime. It upgrades
// websocket connections, enforces the auth-first handshake, guards against
// malformed-envelope abuse, fans out typing and presence signals, and spawns
// one goroutine per turn so slow generation never stalls the read loop.
package gateway
