// ABOUTME: Package auth verifies connection tokens and carries identity
// ABOUTME: Token issuance lives in an external service; only verification is here

// Package auth handles once-per-connection authentication. A client's first
// envelope carries a bearer token; Verify extracts user id, tenant id, role
// set, and expiry. Role checks downstream (instructions, tools) read the
// Identity established here.
package auth
