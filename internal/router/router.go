// ABOUTME: Router classifies inbound envelopes into instruction or orchestration paths
// ABOUTME: Command-prefix check on message text; ambiguous cases go to orchestration

package router

import (
	"log/slog"
	"strings"

	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/metrics"
)

// Destination is the routing decision for one envelope.
type Destination string

const (
	// DestInstruction routes to the instruction processor.
	DestInstruction Destination = "instruction"

	// DestOrchestration routes to the generative pipeline.
	DestOrchestration Destination = "orchestration"

	// DestDiscard drops the envelope (session-level types handled upstream).
	DestDiscard Destination = "discard"
)

// commandPrefix is the reserved leading token marking a slash command.
const commandPrefix = "/"

// Router classifies validated envelopes. Messages are the common case, so
// anything ambiguous goes to orchestration rather than being dropped.
type Router struct {
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New creates a router.
func New(reg *metrics.Registry, logger *slog.Logger) *Router {
	return &Router{
		metrics: reg,
		logger:  logger.With("component", "router"),
	}
}

// Route returns the destination for an envelope and records the decision.
func (r *Router) Route(env *envelope.Envelope) Destination {
	dest := r.classify(env)
	r.metrics.Inc("router_decisions_total", map[string]string{"destination": string(dest)})
	if dest == DestDiscard {
		r.logger.Debug("discarding envelope",
			"type", env.Type,
			"correlation_id", env.CorrelationID)
	}
	return dest
}

func (r *Router) classify(env *envelope.Envelope) Destination {
	switch env.Type {
	case envelope.TypeCommand:
		return DestInstruction
	case envelope.TypeMessage:
		if isCommandText(env.Content) {
			return DestInstruction
		}
		return DestOrchestration
	default:
		// typing, presence, ping, cancel, auth are handled by the
		// connection gateway before routing
		return DestDiscard
	}
}

// isCommandText reports whether message text carries the reserved command
// prefix. A bare "/" or "//"-escaped text is a normal message.
func isCommandText(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 2 || !strings.HasPrefix(trimmed, commandPrefix) {
		return false
	}
	if strings.HasPrefix(trimmed, commandPrefix+commandPrefix) {
		return false
	}
	// "/ foo" is not a command
	return trimmed[1] != ' '
}
