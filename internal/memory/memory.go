// ABOUTME: Memory gateway interface and item types for turn retrieval
// ABOUTME: Items carry a source tier, score, and timestamp for context ranking

package memory

import (
	"context"
	"time"
)

// Source tiers an item can come from.
const (
	TierShortTerm = "short_term"
	TierLongTerm  = "long_term"
	TierFact      = "fact"
)

// Item is one retrievable unit of memory.
type Item struct {
	ID         string
	Content    string
	SourceTier string
	Score      float64
	Timestamp  time.Time
	Metadata   map[string]any
}

// Turn is the unit written back after a completed exchange.
type Turn struct {
	ID             string
	ConversationID string
	UserID         string
	TenantID       string
	UserText       string
	AssistantText  string
	Timestamp      time.Time
}

// Query scopes a retrieval request to a tenant, user, and conversation.
type Query struct {
	Text           string
	ConversationID string
	UserID         string
	TenantID       string
	TopK           int
}

// Gateway is the narrow interface to the memory collaborator. Query failures
// degrade the turn rather than failing it, so implementations should return
// errors instead of blocking past their deadline. Write must be idempotent:
// replaying the same turn id stores nothing new.
type Gateway interface {
	Query(ctx context.Context, q Query) ([]Item, error)
	Write(ctx context.Context, turn Turn, metadata map[string]any) error
}
