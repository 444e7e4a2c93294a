// ABOUTME: Error taxonomy for turn and connection failures
// ABOUTME: Maps each failure kind to a retryable flag and builds error envelopes

package envelope

import (
	"context"
	"encoding/json"
	"errors"
)

// Kind classifies a failure for clients and operators.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindPermission     Kind = "permission"
	KindValidation     Kind = "validation"
	KindRateLimit      Kind = "rate_limit"
	KindTimeout        Kind = "timeout"
	KindCancelled      Kind = "cancelled"
	KindInternal       Kind = "internal"
)

// Retryable reports whether a caller may retry after seeing this kind.
// Authentication, permission, and validation failures require caller-side
// changes; rate limits, timeouts, and internal faults may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindInternal:
		return true
	default:
		return false
	}
}

// TurnError is a classified failure that aborts or degrades a turn.
type TurnError struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

// NewTurnError builds a TurnError wrapping an optional cause.
func NewTurnError(kind Kind, message string, cause error) *TurnError {
	return &TurnError{Kind: kind, Message: message, cause: cause}
}

func (e *TurnError) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *TurnError) Unwrap() error { return e.cause }

// Classify maps an arbitrary error onto the taxonomy. Context cancellation
// and deadline errors get their dedicated kinds; a *TurnError passes through.
func Classify(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.Canceled):
		return NewTurnError(KindCancelled, "turn cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewTurnError(KindTimeout, "operation timed out", err)
	default:
		return NewTurnError(KindInternal, "internal error", err)
	}
}

// ErrorPayload is the JSON body of an error envelope.
type ErrorPayload struct {
	Kind      Kind           `json:"kind"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewError builds an error envelope from a classified failure.
func NewError(correlationID string, te *TurnError) *Envelope {
	env := New(TypeError, correlationID)
	payload, _ := json.Marshal(ErrorPayload{
		Kind:      te.Kind,
		Message:   te.Message,
		Retryable: te.Kind.Retryable(),
		Details:   te.Details,
	})
	env.Payload = payload
	return env
}
