// ABOUTME: Built-in tools: clock, echo, and history search
// ABOUTME: RegisterBuiltins wires them into a registry with default policy

package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/strandlabs/strand/internal/store"
)

// RegisterBuiltins adds the built-in tool set. The manifest can tighten or
// relax the default policy afterwards.
func RegisterBuiltins(registry *Registry, s store.Store) error {
	defs := []*Definition{
		{
			ID:          "clock",
			Description: "Report the current server time",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"format": map[string]any{"type": "string"},
				},
			},
			Handler: clockHandler,
		},
		{
			ID:          "echo",
			Description: "Echo the given text back",
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"required": []string{"text"},
			},
			Handler: echoHandler,
		},
		{
			ID:            "search",
			Description:   "Search the tenant's conversation history",
			RequiredRoles: []string{"tool.search"},
			RateLimit:     RateLimit{PerMinute: 30},
			Params: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":     map[string]any{"type": "string"},
					"tenant_id": map[string]any{"type": "string"},
					"limit":     map[string]any{"type": "integer"},
				},
				"required": []string{"query", "tenant_id"},
			},
			Handler: searchHandler(s),
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func clockHandler(ctx context.Context, args map[string]any) (any, error) {
	format := time.RFC3339
	if f, ok := args["format"].(string); ok && f != "" {
		format = f
	}
	return map[string]any{"time": time.Now().UTC().Format(format)}, nil
}

func echoHandler(ctx context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	return map[string]any{"text": text}, nil
}

func searchHandler(s store.Store) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		tenantID, _ := args["tenant_id"].(string)
		limit := 10
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = int(l)
		}

		msgs, err := s.SearchMessages(ctx, tenantID, query, limit)
		if err != nil {
			return nil, fmt.Errorf("searching history: %w", err)
		}

		hits := make([]map[string]any, 0, len(msgs))
		for _, msg := range msgs {
			hits = append(hits, map[string]any{
				"message_id":      msg.ID,
				"conversation_id": msg.ConversationID,
				"role":            msg.Role,
				"content":         msg.Content,
				"created_at":      msg.CreatedAt.Format(time.RFC3339),
			})
		}
		return map[string]any{"results": hits}, nil
	}
}
