// ABOUTME: Anthropic Messages API backend with streaming accumulation
// ABOUTME: Adapts prompt messages and emits delta events plus a final usage event

package backend

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/strandlabs/strand/internal/config"
)

// Anthropic wraps the Anthropic Messages API.
type Anthropic struct {
	id     string
	tier   string
	model  string
	client *anthropic.Client
}

// NewAnthropic creates a backend from config.
func NewAnthropic(cfg config.BackendConfig) *Anthropic {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Anthropic{
		id:     cfg.ID,
		tier:   cfg.Tier,
		model:  cfg.Model,
		client: &client,
	}
}

func (a *Anthropic) ID() string      { return a.id }
func (a *Anthropic) Tier() string    { return a.tier }
func (a *Anthropic) ModelID() string { return a.model }

// Generate runs one Messages API call, streaming if requested.
func (a *Anthropic) Generate(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	out := make(chan Event, eventBufferSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(a.model),
			MaxTokens: req.MaxTokens,
			Messages:  buildAnthropicMessages(req.Messages),
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}

		if req.Stream {
			a.generateStreaming(ctx, params, out, errCh)
			return
		}
		a.generateComplete(ctx, params, out, errCh)
	}()

	return out, errCh
}

func (a *Anthropic) generateComplete(ctx context.Context, params anthropic.MessageNewParams, out chan<- Event, errCh chan<- error) {
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("anthropic api error: %w", err)
		return
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	out <- Event{
		Done: true,
		Text: text,
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}
}

func (a *Anthropic) generateStreaming(ctx context.Context, params anthropic.MessageNewParams, out chan<- Event, errCh chan<- error) {
	stream := a.client.Messages.NewStreaming(ctx, params)

	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			errCh <- fmt.Errorf("anthropic stream accumulate: %w", err)
			return
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					select {
					case out <- Event{Delta: delta.Text}:
					case <-ctx.Done():
						errCh <- ctx.Err()
						return
					}
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		return
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	out <- Event{
		Done: true,
		Text: text,
		Usage: Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
}

func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	var params []anthropic.MessageParam
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "assistant":
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}
