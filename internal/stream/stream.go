// ABOUTME: Stream processor relaying orchestration output as ordered envelopes
// ABOUTME: Guarantees exactly one terminal envelope per correlation id

package stream

import (
	"context"
	"log/slog"

	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/orchestrator"
)

// Sender delivers envelopes to one client connection.
type Sender interface {
	Send(env *envelope.Envelope) error
}

// Processor relays one turn's events. Chunks for a correlation id carry
// monotonically increasing sequence numbers; concurrent turns interleave on
// the connection without reordering within a correlation id.
type Processor struct {
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New creates a stream processor.
func New(reg *metrics.Registry, logger *slog.Logger) *Processor {
	return &Processor{
		metrics: reg,
		logger:  logger.With("component", "stream"),
	}
}

// Relay consumes events until the turn finishes. On success it sends the
// chunks, one terminal response, and a stream-end marker, then returns the
// result for recording. On failure it sends one terminal error envelope
// (plus the marker if chunks already went out) and returns the error.
// The client receives exactly one terminal envelope either way.
func (p *Processor) Relay(ctx context.Context, correlationID, conversationID string, events <-chan orchestrator.Event, errCh <-chan error, sender Sender) (*orchestrator.TurnResult, error) {
	seq := 0
	finish := func(terminal *envelope.Envelope, result *orchestrator.TurnResult) {
		if err := sender.Send(terminal); err != nil {
			p.logger.Warn("terminal envelope delivery failed",
				"correlation_id", correlationID,
				"error", err)
		}
		if seq > 0 {
			end := envelope.NewStreamEnd(correlationID, conversationID,
				streamEndMetadata(seq, result))
			if err := sender.Send(end); err != nil {
				p.logger.Warn("stream end delivery failed",
					"correlation_id", correlationID,
					"error", err)
			}
		}
	}

	for ev := range events {
		if ev.Done {
			result := ev.Result
			finish(envelope.NewResponse(correlationID, conversationID,
				result.Content, responseMetadata(result)), result)
			p.metrics.Inc("streams_total", map[string]string{"outcome": "ok"})

			// Drain the (already closed or closing) error channel
			if err := <-errCh; err != nil {
				p.logger.Warn("late orchestration error after result",
					"correlation_id", correlationID,
					"error", err)
			}
			return result, nil
		}

		seq++
		chunk := envelope.NewStreamChunk(correlationID, conversationID, seq, ev.Delta)
		if err := sender.Send(chunk); err != nil {
			p.logger.Warn("chunk delivery failed, continuing turn",
				"correlation_id", correlationID,
				"seq", seq,
				"error", err)
		}
	}

	// Events closed without a Done: the turn failed or was cancelled
	err := <-errCh
	if err == nil {
		err = ctx.Err()
	}
	te := envelope.Classify(err)
	finish(envelope.NewError(correlationID, te), nil)
	p.metrics.Inc("streams_total", map[string]string{"outcome": string(te.Kind)})
	return nil, te
}

func responseMetadata(result *orchestrator.TurnResult) map[string]any {
	md := map[string]any{
		"backend_id":     result.BackendID,
		"selection_note": result.SelectionNote,
		"input_tokens":   result.Usage.InputTokens,
		"output_tokens":  result.Usage.OutputTokens,
	}
	if len(result.ToolsCalled) > 0 {
		md["tools_called"] = result.ToolsCalled
	}
	if len(result.DegradedTools) > 0 {
		md["degraded_tools"] = result.DegradedTools
	}
	if result.MemoryDegraded {
		md["memory_degraded"] = true
	}
	if len(result.Annotations) > 0 {
		md["annotations"] = result.Annotations
	}
	return md
}

// streamEndMetadata carries the chunk count plus, on success, the final
// usage and tool outcome so clients reading only the marker see them.
func streamEndMetadata(chunks int, result *orchestrator.TurnResult) map[string]any {
	md := map[string]any{"chunks": chunks}
	if result == nil {
		return md
	}
	md["input_tokens"] = result.Usage.InputTokens
	md["output_tokens"] = result.Usage.OutputTokens
	if len(result.ToolsCalled) > 0 {
		md["tools_called"] = result.ToolsCalled
	}
	if len(result.DegradedTools) > 0 {
		md["degraded_tools"] = result.DegradedTools
	}
	if result.MemoryDegraded {
		md["memory_degraded"] = true
	}
	return md
}
