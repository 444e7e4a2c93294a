// ABOUTME: Package envelope defines the wire protocol frames and error taxonomy
// ABOUTME: shared by the gateway, router, orchestrator, and stream processor

// Package envelope contains the JSON wire protocol spoken between clients
// and the gateway, plus the failure taxonomy used end to end.
//
// Every frame on a connection is exactly one Envelope. Outbound envelopes
// always carry the correlation id of the inbound envelope that caused them,
// which makes a turn traceable from the client through the orchestrator to
// the persisted record.
package envelope
