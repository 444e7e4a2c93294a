// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Conversations are mutable configuration; messages are append-only history

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Conversation is a multi-turn context. Configuration fields are mutated only
// under the per-conversation lock held by the instruction processor or the
// turn recorder.
type Conversation struct {
	ID            string
	TenantID      string
	Participants  []string
	Mode          string
	ModelOverride string
	Persona       string
	ContextParams map[string]any
	PinnedIDs     []string
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConversationPatch describes a partial configuration update. Nil fields are
// left untouched, which makes patch application idempotent on retry.
type ConversationPatch struct {
	Mode          *string
	ModelOverride *string
	Persona       *string
	ContextParams map[string]any
	PinnedIDs     *[]string
	Metadata      map[string]any
}

// Message is one turn unit. Never mutated after creation, only referenced.
type Message struct {
	ID             string
	ConversationID string
	CorrelationID  string
	Role           string
	Content        string
	ToolCalls      json.RawMessage
	Attachments    []string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// TokenUsage records backend token consumption for one turn.
type TokenUsage struct {
	ID             string
	ConversationID string
	MessageID      string
	BackendID      string
	InputTokens    int
	OutputTokens   int
	CreatedAt      time.Time
}

// Store defines the persistence contract the runtime expects. All write
// operations are safe to retry (idempotent by entity id).
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error)

	// Messages (append-only)
	AppendMessage(ctx context.Context, msg *Message) error
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	SearchMessages(ctx context.Context, tenantID, query string, limit int) ([]*Message, error)

	// Usage accounting
	SaveUsage(ctx context.Context, usage *TokenUsage) error

	// Close releases any resources held by the store
	Close() error
}
