// ABOUTME: Tests for stream relay ordering and terminal-envelope guarantees
// ABOUTME: Uses a capturing sender and hand-fed event channels

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/internal/backend"
	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/orchestrator"
)

type captureSender struct {
	mu   sync.Mutex
	sent []*envelope.Envelope
	fail bool
}

func (c *captureSender) Send(env *envelope.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("connection gone")
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *captureSender) byType(t envelope.Type) []*envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*envelope.Envelope
	for _, env := range c.sent {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func feed(events []orchestrator.Event, err error) (<-chan orchestrator.Event, <-chan error) {
	out := make(chan orchestrator.Event, len(events))
	errCh := make(chan error, 1)
	for _, ev := range events {
		out <- ev
	}
	if err != nil {
		errCh <- err
	}
	close(out)
	close(errCh)
	return out, errCh
}

func TestRelaySuccess(t *testing.T) {
	p := New(metrics.NewRegistry(), slog.Default())
	sender := &captureSender{}

	events, errCh := feed([]orchestrator.Event{
		{Delta: "hel"},
		{Delta: "lo"},
		{Done: true, Result: &orchestrator.TurnResult{Content: "hello", BackendID: "b1"}},
	}, nil)

	result, err := p.Relay(context.Background(), "corr-1", "conv-1", events, errCh, sender)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "hello", result.Content)

	chunks := sender.byType(envelope.TypeStreamChunk)
	require.Len(t, chunks, 2)
	for i, chunk := range chunks {
		var payload envelope.ChunkPayload
		require.NoError(t, json.Unmarshal(chunk.Payload, &payload))
		assert.Equal(t, i+1, payload.Seq)
	}

	// Exactly one terminal plus the end marker
	assert.Len(t, sender.byType(envelope.TypeResponse), 1)
	assert.Len(t, sender.byType(envelope.TypeError), 0)
	assert.Len(t, sender.byType(envelope.TypeStreamEnd), 1)
}

func TestRelayNonStreamingSkipsEndMarker(t *testing.T) {
	p := New(metrics.NewRegistry(), slog.Default())
	sender := &captureSender{}

	events, errCh := feed([]orchestrator.Event{
		{Done: true, Result: &orchestrator.TurnResult{Content: "answer"}},
	}, nil)

	_, err := p.Relay(context.Background(), "corr-1", "conv-1", events, errCh, sender)
	require.NoError(t, err)
	assert.Len(t, sender.byType(envelope.TypeResponse), 1)
	assert.Empty(t, sender.byType(envelope.TypeStreamEnd))
}

func TestRelayMidStreamError(t *testing.T) {
	p := New(metrics.NewRegistry(), slog.Default())
	sender := &captureSender{}

	events, errCh := feed([]orchestrator.Event{
		{Delta: "partial "},
	}, envelope.NewTurnError(envelope.KindTimeout, "backend timed out", nil))

	result, err := p.Relay(context.Background(), "corr-1", "conv-1", events, errCh, sender)
	assert.Nil(t, result)
	var te *envelope.TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, envelope.KindTimeout, te.Kind)

	// One terminal error, no response, and the stream still closes cleanly
	errEnvs := sender.byType(envelope.TypeError)
	require.Len(t, errEnvs, 1)
	var payload envelope.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnvs[0].Payload, &payload))
	assert.Equal(t, envelope.KindTimeout, payload.Kind)
	assert.True(t, payload.Retryable)

	assert.Empty(t, sender.byType(envelope.TypeResponse))
	assert.Len(t, sender.byType(envelope.TypeStreamEnd), 1)
}

func TestRelayErrorBeforeAnyChunk(t *testing.T) {
	p := New(metrics.NewRegistry(), slog.Default())
	sender := &captureSender{}

	events, errCh := feed(nil, envelope.NewTurnError(envelope.KindPermission, "denied", nil))

	_, err := p.Relay(context.Background(), "corr-1", "conv-1", events, errCh, sender)
	require.Error(t, err)

	assert.Len(t, sender.byType(envelope.TypeError), 1)
	// No chunks went out, so no end marker is owed
	assert.Empty(t, sender.byType(envelope.TypeStreamEnd))
}

func TestRelayResponseMetadata(t *testing.T) {
	p := New(metrics.NewRegistry(), slog.Default())
	sender := &captureSender{}

	events, errCh := feed([]orchestrator.Event{
		{Done: true, Result: &orchestrator.TurnResult{
			Content:        "answer",
			BackendID:      "b1",
			SelectionNote:  "mode",
			MemoryDegraded: true,
			Annotations:    []string{"tool_degraded:search:timeout"},
		}},
	}, nil)

	_, err := p.Relay(context.Background(), "corr-1", "conv-1", events, errCh, sender)
	require.NoError(t, err)

	resp := sender.byType(envelope.TypeResponse)[0]
	assert.Equal(t, true, resp.Metadata["memory_degraded"])
	assert.Equal(t, "b1", resp.Metadata["backend_id"])
}

func TestRelayToolOutcomeMetadata(t *testing.T) {
	p := New(metrics.NewRegistry(), slog.Default())
	sender := &captureSender{}

	events, errCh := feed([]orchestrator.Event{
		{Delta: "par"},
		{Delta: "tial"},
		{Done: true, Result: &orchestrator.TurnResult{
			Content:       "partial",
			BackendID:     "b1",
			Usage:         backend.Usage{InputTokens: 12, OutputTokens: 7},
			ToolsCalled:   []string{"clock"},
			DegradedTools: []string{"search"},
		}},
	}, nil)

	_, err := p.Relay(context.Background(), "corr-1", "conv-1", events, errCh, sender)
	require.NoError(t, err)

	resp := sender.byType(envelope.TypeResponse)[0]
	assert.Equal(t, []string{"clock"}, resp.Metadata["tools_called"])
	assert.Equal(t, []string{"search"}, resp.Metadata["degraded_tools"])

	// The end marker repeats the final usage and tool outcome
	end := sender.byType(envelope.TypeStreamEnd)[0]
	assert.Equal(t, 2, end.Metadata["chunks"])
	assert.Equal(t, []string{"clock"}, end.Metadata["tools_called"])
	assert.Equal(t, []string{"search"}, end.Metadata["degraded_tools"])
	assert.Equal(t, 12, end.Metadata["input_tokens"])
	assert.Equal(t, 7, end.Metadata["output_tokens"])
}

func TestRelayErrorEndMarkerOmitsToolOutcome(t *testing.T) {
	p := New(metrics.NewRegistry(), slog.Default())
	sender := &captureSender{}

	events, errCh := feed([]orchestrator.Event{
		{Delta: "partial "},
	}, envelope.NewTurnError(envelope.KindInternal, "backend failed", nil))

	_, err := p.Relay(context.Background(), "corr-1", "conv-1", events, errCh, sender)
	require.Error(t, err)

	end := sender.byType(envelope.TypeStreamEnd)[0]
	assert.Equal(t, 1, end.Metadata["chunks"])
	assert.NotContains(t, end.Metadata, "tools_called")
	assert.NotContains(t, end.Metadata, "input_tokens")
}

func TestRelaySenderFailureDoesNotPanic(t *testing.T) {
	p := New(metrics.NewRegistry(), slog.Default())
	sender := &captureSender{fail: true}

	events, errCh := feed([]orchestrator.Event{
		{Delta: "x"},
		{Done: true, Result: &orchestrator.TurnResult{Content: "x"}},
	}, nil)

	result, err := p.Relay(context.Background(), "corr-1", "conv-1", events, errCh, sender)
	require.NoError(t, err)
	assert.NotNil(t, result)
}
