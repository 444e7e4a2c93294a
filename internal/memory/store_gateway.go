// ABOUTME: Memory gateway backed by the message store's keyword search
// ABOUTME: Treats persisted history as the long-term tier

package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/strandlabs/strand/internal/store"
)

// StoreGateway serves the long-term tier from persisted message history.
// The turn recorder already appends every completed turn to the store, so
// Write here only needs to be an idempotent ack.
type StoreGateway struct {
	store  store.Store
	logger *slog.Logger
}

// NewStoreGateway creates a gateway over the given store.
func NewStoreGateway(s store.Store, logger *slog.Logger) *StoreGateway {
	return &StoreGateway{
		store:  s,
		logger: logger.With("component", "memory"),
	}
}

// Query searches the tenant's persisted messages by keyword.
func (g *StoreGateway) Query(ctx context.Context, q Query) ([]Item, error) {
	msgs, err := g.store.SearchMessages(ctx, q.TenantID, q.Text, q.TopK)
	if err != nil {
		return nil, fmt.Errorf("searching history: %w", err)
	}

	items := make([]Item, 0, len(msgs))
	for _, msg := range msgs {
		items = append(items, Item{
			ID:         msg.ID,
			Content:    msg.Content,
			SourceTier: TierLongTerm,
			Score:      1.0,
			Timestamp:  msg.CreatedAt,
			Metadata:   msg.Metadata,
		})
	}
	return items, nil
}

// Write acknowledges the turn. The backing rows are written by the turn
// recorder, so retries have nothing to duplicate here.
func (g *StoreGateway) Write(ctx context.Context, turn Turn, metadata map[string]any) error {
	g.logger.Debug("memory write acknowledged",
		"turn_id", turn.ID,
		"conversation_id", turn.ConversationID)
	return nil
}
