// ABOUTME: OpenAI Chat Completions backend with streaming delta aggregation
// ABOUTME: Emits partial text deltas and a final event with usage totals

package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/strandlabs/strand/internal/config"
)

// OpenAI wraps the OpenAI Chat Completions API.
type OpenAI struct {
	id     string
	tier   string
	model  string
	client *openai.Client
}

// NewOpenAI creates a backend from config.
func NewOpenAI(cfg config.BackendConfig) *OpenAI {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	client := openai.NewClient(clientOpts...)
	return &OpenAI{
		id:     cfg.ID,
		tier:   cfg.Tier,
		model:  cfg.Model,
		client: &client,
	}
}

func (o *OpenAI) ID() string      { return o.id }
func (o *OpenAI) Tier() string    { return o.tier }
func (o *OpenAI) ModelID() string { return o.model }

// Generate runs one chat completion, streaming if requested.
func (o *OpenAI) Generate(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	out := make(chan Event, eventBufferSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := openai.ChatCompletionNewParams{
			Model:               o.model,
			Messages:            buildOpenAIMessages(req.System, req.Messages),
			MaxCompletionTokens: openai.Int(req.MaxTokens),
		}

		if req.Stream {
			o.generateStreaming(ctx, params, out, errCh)
			return
		}
		o.generateComplete(ctx, params, out, errCh)
	}()

	return out, errCh
}

func (o *OpenAI) generateComplete(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- Event, errCh chan<- error) {
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("openai api error: %w", err)
		return
	}
	if len(resp.Choices) == 0 {
		errCh <- fmt.Errorf("openai api error: empty choices")
		return
	}
	out <- Event{
		Done: true,
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
}

func (o *OpenAI) generateStreaming(ctx context.Context, params openai.ChatCompletionNewParams, out chan<- Event, errCh chan<- error) {
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)

	var builder strings.Builder
	var usage Usage
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.TotalTokens > 0 {
			usage.InputTokens = int(chunk.Usage.PromptTokens)
			usage.OutputTokens = int(chunk.Usage.CompletionTokens)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			builder.WriteString(choice.Delta.Content)
			select {
			case out <- Event{Delta: choice.Delta.Content}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("openai streaming error: %w", err)
		return
	}

	out <- Event{Done: true, Text: builder.String(), Usage: usage}
}

func buildOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return messages
}
