// ABOUTME: Mock backend for tests and the dev loop
// ABOUTME: Echoes the last user message as word-by-word deltas

package backend

import (
	"context"
	"strings"
)

// Mock generates deterministic output without any provider. The response
// echoes the last user message so tests can assert on content flow.
type Mock struct {
	id    string
	tier  string
	model string

	// Reply overrides the echo when set.
	Reply string
}

// NewMock creates a mock backend.
func NewMock(id, tier, model string) *Mock {
	return &Mock{id: id, tier: tier, model: model}
}

func (m *Mock) ID() string      { return m.id }
func (m *Mock) Tier() string    { return m.tier }
func (m *Mock) ModelID() string { return m.model }

// Generate emits one delta per word, then a final event.
func (m *Mock) Generate(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	out := make(chan Event, eventBufferSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		text := m.Reply
		if text == "" {
			for i := len(req.Messages) - 1; i >= 0; i-- {
				if req.Messages[i].Role == "user" {
					text = "echo: " + req.Messages[i].Content
					break
				}
			}
			if text == "" {
				text = "echo:"
			}
		}

		if req.Stream {
			words := strings.SplitAfter(text, " ")
			for _, w := range words {
				select {
				case out <- Event{Delta: w}:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}
		}

		inTokens := 0
		for _, msg := range req.Messages {
			inTokens += len(msg.Content) / 4
		}
		out <- Event{
			Done: true,
			Text: text,
			Usage: Usage{
				InputTokens:  inTokens,
				OutputTokens: len(text) / 4,
			},
		}
	}()

	return out, errCh
}
