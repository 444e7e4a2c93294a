// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			participants TEXT NOT NULL DEFAULT '[]',
			mode TEXT NOT NULL DEFAULT 'chat',
			model_override TEXT NOT NULL DEFAULT '',
			persona TEXT NOT NULL DEFAULT '',
			context_params TEXT NOT NULL DEFAULT '{}',
			pinned_ids TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_tenant
			ON conversations(tenant_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			attachments TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			backend_id TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_conversation
			ON token_usage(conversation_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the id already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	participants, err := json.Marshal(conv.Participants)
	if err != nil {
		return fmt.Errorf("marshaling participants: %w", err)
	}
	contextParams, err := marshalMap(conv.ContextParams)
	if err != nil {
		return fmt.Errorf("marshaling context params: %w", err)
	}
	pinned, err := json.Marshal(conv.PinnedIDs)
	if err != nil {
		return fmt.Errorf("marshaling pinned ids: %w", err)
	}
	metadata, err := marshalMap(conv.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	query := `
		INSERT INTO conversations (id, tenant_id, participants, mode, model_override, persona, context_params, pinned_ids, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		conv.ID, conv.TenantID, string(participants), conv.Mode, conv.ModelOverride,
		conv.Persona, string(contextParams), string(pinned), string(metadata),
		conv.CreatedAt.UTC(), conv.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, tenant_id, participants, mode, model_override, persona, context_params, pinned_ids, metadata, created_at, updated_at
		FROM conversations WHERE id = ?
	`
	row := s.db.QueryRowContext(ctx, query, id)
	return scanConversation(row)
}

// UpdateConversation applies a partial patch and returns the updated record.
// Callers serialize concurrent patches per conversation id; the store itself
// only guarantees each individual patch is applied atomically.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Mode != nil {
		conv.Mode = *patch.Mode
	}
	if patch.ModelOverride != nil {
		conv.ModelOverride = *patch.ModelOverride
	}
	if patch.Persona != nil {
		conv.Persona = *patch.Persona
	}
	if patch.ContextParams != nil {
		if conv.ContextParams == nil {
			conv.ContextParams = make(map[string]any)
		}
		for k, v := range patch.ContextParams {
			conv.ContextParams[k] = v
		}
	}
	if patch.PinnedIDs != nil {
		conv.PinnedIDs = *patch.PinnedIDs
	}
	if patch.Metadata != nil {
		if conv.Metadata == nil {
			conv.Metadata = make(map[string]any)
		}
		for k, v := range patch.Metadata {
			conv.Metadata[k] = v
		}
	}
	conv.UpdatedAt = time.Now().UTC()

	contextParams, err := marshalMap(conv.ContextParams)
	if err != nil {
		return nil, fmt.Errorf("marshaling context params: %w", err)
	}
	pinned, err := json.Marshal(conv.PinnedIDs)
	if err != nil {
		return nil, fmt.Errorf("marshaling pinned ids: %w", err)
	}
	metadata, err := marshalMap(conv.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	query := `
		UPDATE conversations
		SET mode = ?, model_override = ?, persona = ?, context_params = ?, pinned_ids = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query,
		conv.Mode, conv.ModelOverride, conv.Persona, string(contextParams),
		string(pinned), string(metadata), conv.UpdatedAt, id,
	); err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	return conv, nil
}

// AppendMessage inserts a message. Replaying the same message id is a no-op,
// which makes turn persistence safe to retry.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("marshaling attachments: %w", err)
	}
	metadata, err := marshalMap(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	var toolCalls any
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}

	query := `
		INSERT OR IGNORE INTO messages (id, conversation_id, correlation_id, role, content, tool_calls, attachments, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.CorrelationID, msg.Role, msg.Content,
		toolCalls, string(attachments), string(metadata), msg.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	// Bump the conversation's history pointer
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), msg.ConversationID,
	); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	return nil
}

// ListRecentMessages returns the most recent messages in chronological order.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, correlation_id, role, content, tool_calls, attachments, metadata, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse into chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage retrieves one message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, conversation_id, correlation_id, role, content, tool_calls, attachments, metadata, created_at
		FROM messages WHERE id = ?
	`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// SearchMessages performs a keyword search across a tenant's message history.
// Backs the long-term tier of the store-backed memory gateway.
func (s *SQLiteStore) SearchMessages(ctx context.Context, tenantID, query string, limit int) ([]*Message, error) {
	sqlQuery := `
		SELECT m.id, m.conversation_id, m.correlation_id, m.role, m.content, m.tool_calls, m.attachments, m.metadata, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.tenant_id = ? AND m.content LIKE ? ESCAPE '\'
		ORDER BY m.created_at DESC
		LIMIT ?
	`
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx, sqlQuery, tenantID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// SaveUsage records token usage for a turn. Idempotent by usage id.
func (s *SQLiteStore) SaveUsage(ctx context.Context, usage *TokenUsage) error {
	query := `
		INSERT OR IGNORE INTO token_usage (id, conversation_id, message_id, backend_id, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		usage.ID, usage.ConversationID, usage.MessageID, usage.BackendID,
		usage.InputTokens, usage.OutputTokens, usage.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// escapeLike escapes LIKE metacharacters in user-provided search text.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// marshalMap serializes a possibly-nil map as a JSON object.
func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanConversation scans one conversation row, decoding JSON columns.
func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var participants, contextParams, pinned, metadata string
	err := row.Scan(
		&conv.ID, &conv.TenantID, &participants, &conv.Mode, &conv.ModelOverride,
		&conv.Persona, &contextParams, &pinned, &metadata,
		&conv.CreatedAt, &conv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(participants), &conv.Participants); err != nil {
		return nil, fmt.Errorf("decoding participants: %w", err)
	}
	if err := json.Unmarshal([]byte(contextParams), &conv.ContextParams); err != nil {
		return nil, fmt.Errorf("decoding context params: %w", err)
	}
	if err := json.Unmarshal([]byte(pinned), &conv.PinnedIDs); err != nil {
		return nil, fmt.Errorf("decoding pinned ids: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &conv.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &conv, nil
}

// scanMessages scans message rows, decoding JSON columns.
func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		var msg Message
		var toolCalls sql.NullString
		var attachments, metadata string
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.CorrelationID, &msg.Role, &msg.Content,
			&toolCalls, &attachments, &metadata, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if toolCalls.Valid {
			msg.ToolCalls = json.RawMessage(toolCalls.String)
		}
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decoding attachments: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}
