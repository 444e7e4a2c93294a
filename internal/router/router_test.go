// ABOUTME: Tests for envelope routing decisions
// ABOUTME: Table-driven coverage of prefix detection and ambiguous defaults

package router

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/metrics"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name    string
		envType envelope.Type
		content string
		want    Destination
	}{
		{"command envelope", envelope.TypeCommand, "set mode analysis", DestInstruction},
		{"slash message", envelope.TypeMessage, "/set mode analysis", DestInstruction},
		{"slash with leading space", envelope.TypeMessage, "  /help", DestInstruction},
		{"plain message", envelope.TypeMessage, "what time is it", DestOrchestration},
		{"escaped slash", envelope.TypeMessage, "//not a command", DestOrchestration},
		{"bare slash", envelope.TypeMessage, "/", DestOrchestration},
		{"slash then space", envelope.TypeMessage, "/ divided by two", DestOrchestration},
		{"empty message", envelope.TypeMessage, "", DestOrchestration},
		{"url in message", envelope.TypeMessage, "see https://example.com/docs", DestOrchestration},
		{"typing envelope", envelope.TypeTyping, "", DestDiscard},
		{"presence envelope", envelope.TypePresence, "", DestDiscard},
		{"ping envelope", envelope.TypePing, "", DestDiscard},
	}

	r := New(metrics.NewRegistry(), slog.Default())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := envelope.New(tt.envType, "corr-1")
			env.Content = tt.content
			assert.Equal(t, tt.want, r.Route(env))
		})
	}
}

func TestRouteRecordsDecisionCounter(t *testing.T) {
	reg := metrics.NewRegistry()
	r := New(reg, slog.Default())

	msg := envelope.New(envelope.TypeMessage, "corr-1")
	msg.Content = "hello"
	r.Route(msg)
	r.Route(msg)

	cmd := envelope.New(envelope.TypeCommand, "corr-2")
	r.Route(cmd)

	assert.Equal(t, int64(2), reg.Get("router_decisions_total", map[string]string{"destination": "orchestration"}))
	assert.Equal(t, int64(1), reg.Get("router_decisions_total", map[string]string{"destination": "instruction"}))
}
