// ABOUTME: Fact tier pinning durable user statements on the conversation record
// ABOUTME: Facts come from explicit remember phrasing in the user's turn text

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/strandlabs/strand/internal/store"
)

// factPhrases mark a user statement as worth pinning durably.
var factPhrases = []string{
	"remember that ",
	"remember: ",
	"note that ",
	"for future reference, ",
}

// FactGateway serves the fact tier. A turn whose user text carries an
// explicit remember phrase pins the remainder on the conversation record;
// queries return every pinned fact for the conversation. Facts are keyed by
// turn id, so replaying a turn pins nothing new.
type FactGateway struct {
	store  store.Store
	logger *slog.Logger
}

// NewFactGateway creates a fact tier over the given store.
func NewFactGateway(s store.Store, logger *slog.Logger) *FactGateway {
	return &FactGateway{
		store:  s,
		logger: logger.With("component", "memory"),
	}
}

// Query returns the conversation's pinned facts in stable order.
func (g *FactGateway) Query(ctx context.Context, q Query) ([]Item, error) {
	if q.ConversationID == "" {
		return nil, nil
	}
	conv, err := g.store.GetConversation(ctx, q.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading facts: %w", err)
	}

	facts, ok := conv.Metadata["facts"].(map[string]any)
	if !ok || len(facts) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(facts))
	for id := range facts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		text, ok := facts[id].(string)
		if !ok || text == "" {
			continue
		}
		items = append(items, Item{
			ID:         "fact-" + id,
			Content:    text,
			SourceTier: TierFact,
			Score:      1.0,
			Timestamp:  conv.UpdatedAt,
		})
	}
	return items, nil
}

// Write pins a fact when the turn text carries a remember phrase. Turns
// without one are ignored.
func (g *FactGateway) Write(ctx context.Context, turn Turn, _ map[string]any) error {
	fact := extractFact(turn.UserText)
	if fact == "" || turn.ConversationID == "" {
		return nil
	}

	conv, err := g.store.GetConversation(ctx, turn.ConversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading conversation for fact: %w", err)
	}

	facts, _ := conv.Metadata["facts"].(map[string]any)
	if existing, ok := facts[turn.ID]; ok && existing == fact {
		return nil
	}
	if facts == nil {
		facts = make(map[string]any)
	}
	facts[turn.ID] = fact

	if _, err := g.store.UpdateConversation(ctx, turn.ConversationID, store.ConversationPatch{
		Metadata: map[string]any{"facts": facts},
	}); err != nil {
		return fmt.Errorf("pinning fact: %w", err)
	}
	g.logger.Debug("fact pinned",
		"conversation_id", turn.ConversationID,
		"turn_id", turn.ID)
	return nil
}

// extractFact returns the durable remainder of a remember phrase, or ""
// when the text carries none.
func extractFact(text string) string {
	lower := strings.ToLower(text)
	for _, phrase := range factPhrases {
		if idx := strings.Index(lower, phrase); idx >= 0 {
			fact := strings.TrimSpace(text[idx+len(phrase):])
			return strings.TrimSuffix(fact, ".")
		}
	}
	return ""
}
