// ABOUTME: Context integrator assembling a token-bounded window for one turn
// ABOUTME: Merges recent turns, retrieved memory, and pinned items by weighted score

package integrator

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/internal/store"
)

// Item sources.
const (
	SourceCurrentMessage = "current_message"
	SourceRecentTurn     = "recent_turn"
	SourceMemory         = "memory"
	SourcePinned         = "pinned"
)

// Keyword boost saturates at maxKeywordBoost; each shared word adds
// keywordBoostPerWord. Recency decays per 24h of age down to a floor.
const (
	keywordBoostPerWord = 0.05
	maxKeywordBoost     = 0.3
	recencyFloor        = 0.1

	// charsPerToken is the rough estimate used for budget accounting.
	charsPerToken = 4
)

// Item is one candidate for inclusion in the context window.
type Item struct {
	SourceID  string
	Source    string
	Role      string
	Content   string
	Score     float64
	Tokens    int
	Timestamp time.Time
}

// TurnContext is the assembled window handed to the orchestrator. Items are
// in chronological order with the current message last.
type TurnContext struct {
	ConversationID string
	Items          []Item
	TotalTokens    int
	Budget         int
	MemoryDegraded bool
}

// Integrator assembles TurnContexts. Memory failures degrade the context
// instead of failing the turn.
type Integrator struct {
	store       store.Store
	memory      memory.Gateway
	defaults    config.ContextConfig
	memTimeout  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an integrator with the configured scoring defaults.
func New(s store.Store, mem memory.Gateway, defaults config.ContextConfig, memTimeout time.Duration, logger *slog.Logger) *Integrator {
	return &Integrator{
		store:      s,
		memory:     mem,
		defaults:   defaults,
		memTimeout: memTimeout,
		logger:     logger.With("component", "integrator"),
		now:        time.Now,
	}
}

// Integrate builds the context window for the current message. Per-conversation
// context parameters override the configured defaults.
func (i *Integrator) Integrate(ctx context.Context, conv *store.Conversation, userID, currentText string) (*TurnContext, error) {
	budget := i.intParam(conv, "token_budget", i.defaults.TokenBudget)
	recentK := i.intParam(conv, "recent_turns", i.defaults.RecentTurns)
	topK := i.intParam(conv, "retrieval_top_k", i.defaults.RetrievalTopK)

	current := Item{
		Source:    SourceCurrentMessage,
		Role:      store.RoleUser,
		Content:   currentText,
		Score:     math.Inf(1),
		Tokens:    estimateTokens(currentText),
		Timestamp: i.now(),
	}

	candidates, degraded := i.gather(ctx, conv, userID, currentText, recentK, topK)
	candidates = dedupe(candidates)

	tc := &TurnContext{
		ConversationID: conv.ID,
		Budget:         budget,
		MemoryDegraded: degraded,
	}
	tc.Items, tc.TotalTokens = pack(current, candidates, budget)
	return tc, nil
}

// gather collects recent turns, retrieved memory, and pinned messages,
// scoring each candidate. Memory failure flips the degraded flag.
func (i *Integrator) gather(ctx context.Context, conv *store.Conversation, userID, currentText string, recentK, topK int) ([]Item, bool) {
	var candidates []Item

	recent, err := i.store.ListRecentMessages(ctx, conv.ID, recentK)
	if err != nil {
		i.logger.Warn("recent history fetch failed",
			"conversation_id", conv.ID,
			"error", err)
	}
	for _, msg := range recent {
		candidates = append(candidates, Item{
			SourceID:  msg.ID,
			Source:    SourceRecentTurn,
			Role:      msg.Role,
			Content:   msg.Content,
			Score:     i.score(currentText, msg.Content, 0.5, msg.CreatedAt),
			Tokens:    estimateTokens(msg.Content),
			Timestamp: msg.CreatedAt,
		})
	}

	degraded := false
	mctx, cancel := context.WithTimeout(ctx, i.memTimeout)
	defer cancel()
	items, err := i.memory.Query(mctx, memory.Query{
		Text:           currentText,
		ConversationID: conv.ID,
		UserID:         userID,
		TenantID:       conv.TenantID,
		TopK:           topK,
	})
	if err != nil {
		degraded = true
		i.logger.Warn("memory query failed, proceeding with recent history only",
			"conversation_id", conv.ID,
			"error", err)
	}
	for _, it := range items {
		candidates = append(candidates, Item{
			SourceID:  it.ID,
			Source:    SourceMemory,
			Role:      store.RoleSystem,
			Content:   it.Content,
			Score:     i.score(currentText, it.Content, it.Score, it.Timestamp),
			Tokens:    estimateTokens(it.Content),
			Timestamp: it.Timestamp,
		})
	}

	for _, id := range conv.PinnedIDs {
		msg, err := i.store.GetMessage(ctx, id)
		if err != nil {
			i.logger.Warn("pinned message fetch failed", "message_id", id, "error", err)
			continue
		}
		candidates = append(candidates, Item{
			SourceID:  msg.ID,
			Source:    SourcePinned,
			Role:      msg.Role,
			Content:   msg.Content,
			Score:     math.Inf(1),
			Tokens:    estimateTokens(msg.Content),
			Timestamp: msg.CreatedAt,
		})
	}

	return candidates, degraded
}

// score is the weighted relevance function: keyword match weighted highest,
// then semantic similarity, then recency.
func (i *Integrator) score(query, content string, semantic float64, ts time.Time) float64 {
	return i.defaults.KeywordWeight*keywordScore(query, content) +
		i.defaults.SemanticWeight*semantic +
		i.defaults.RecencyWeight*i.recencyScore(ts)
}

// keywordScore normalizes the shared-word boost into [0, 1].
func keywordScore(query, content string) float64 {
	qWords := wordSet(query)
	cWords := wordSet(content)
	common := 0
	for w := range qWords {
		if cWords[w] {
			common++
		}
	}
	boost := math.Min(maxKeywordBoost, keywordBoostPerWord*float64(common))
	return boost / maxKeywordBoost
}

// recencyScore decays exponentially per 24h of age, floored so old items
// never reach zero.
func (i *Integrator) recencyScore(ts time.Time) float64 {
	if ts.IsZero() {
		return recencyFloor
	}
	hours := i.now().Sub(ts).Hours()
	if hours < 0 {
		hours = 0
	}
	decay := i.defaults.RecencyDecay
	if decay <= 0 || decay >= 1 {
		decay = 0.9
	}
	return math.Max(recencyFloor, math.Pow(decay, hours/24))
}

// dedupe drops candidates sharing a source id or near-identical text,
// keeping the highest-scored occurrence.
func dedupe(items []Item) []Item {
	sort.SliceStable(items, func(a, b int) bool {
		return items[a].Score > items[b].Score
	})

	seenID := make(map[string]bool)
	seenText := make(map[string]bool)
	out := items[:0]
	for _, it := range items {
		if it.SourceID != "" && seenID[it.SourceID] {
			continue
		}
		norm := normalizeText(it.Content)
		if seenText[norm] {
			continue
		}
		if it.SourceID != "" {
			seenID[it.SourceID] = true
		}
		seenText[norm] = true
		out = append(out, it)
	}
	return out
}

// pack greedily includes candidates by descending score until the budget is
// exhausted. The current message is always included; pinned items go next.
// The returned slice is chronological with the current message last.
func pack(current Item, candidates []Item, budget int) ([]Item, int) {
	total := current.Tokens
	selected := []Item{current}

	// candidates are already score-descending from dedupe, which puts
	// pinned items (infinite score) first
	for _, it := range candidates {
		if total+it.Tokens > budget {
			continue
		}
		selected = append(selected, it)
		total += it.Tokens
	}

	sort.SliceStable(selected, func(a, b int) bool {
		if selected[a].Source == SourceCurrentMessage {
			return false
		}
		if selected[b].Source == SourceCurrentMessage {
			return true
		}
		return selected[a].Timestamp.Before(selected[b].Timestamp)
	})
	return selected, total
}

func estimateTokens(text string) int {
	n := len(text) / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}

func (i *Integrator) intParam(conv *store.Conversation, key string, fallback int) int {
	if conv.ContextParams == nil {
		return fallback
	}
	switch v := conv.ContextParams[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
