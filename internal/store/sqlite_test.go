// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers conversation CRUD, idempotent appends, search scoping, and usage

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(id string) *Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return &Conversation{
		ID:           id,
		TenantID:     "tenant-1",
		Participants: []string{"user-1"},
		Mode:         "chat",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestCreateAndGetConversation(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1")
	conv.Persona = "tutor"
	conv.ContextParams = map[string]any{"token_budget": float64(2048)}
	conv.PinnedIDs = []string{"msg-a"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", got.TenantID)
	assert.Equal(t, []string{"user-1"}, got.Participants)
	assert.Equal(t, "chat", got.Mode)
	assert.Equal(t, "tutor", got.Persona)
	assert.Equal(t, map[string]any{"token_budget": float64(2048)}, got.ContextParams)
	assert.Equal(t, []string{"msg-a"}, got.PinnedIDs)
}

func TestCreateConversationDuplicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testConversation("conv-1")))
	err := s.CreateConversation(ctx, testConversation("conv-1"))
	assert.ErrorIs(t, err, ErrDuplicateConversation)
}

func TestGetConversationNotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.GetConversation(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConversationPatch(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1")
	conv.Persona = "tutor"
	require.NoError(t, s.CreateConversation(ctx, conv))

	mode := "task"
	pinned := []string{"msg-1", "msg-2"}
	updated, err := s.UpdateConversation(ctx, "conv-1", ConversationPatch{
		Mode:      &mode,
		PinnedIDs: &pinned,
	})
	require.NoError(t, err)
	assert.Equal(t, "task", updated.Mode)
	assert.Equal(t, pinned, updated.PinnedIDs)
	// Fields not in the patch are untouched
	assert.Equal(t, "tutor", updated.Persona)

	// Replaying the same patch leaves the record in the same state
	again, err := s.UpdateConversation(ctx, "conv-1", ConversationPatch{
		Mode:      &mode,
		PinnedIDs: &pinned,
	})
	require.NoError(t, err)
	assert.Equal(t, updated.Mode, again.Mode)
	assert.Equal(t, updated.PinnedIDs, again.PinnedIDs)
	assert.Equal(t, updated.Persona, again.Persona)
}

func TestUpdateConversationMergesContextParams(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	conv := testConversation("conv-1")
	conv.ContextParams = map[string]any{"token_budget": float64(1024)}
	require.NoError(t, s.CreateConversation(ctx, conv))

	updated, err := s.UpdateConversation(ctx, "conv-1", ConversationPatch{
		ContextParams: map[string]any{"recent_turns": float64(5)},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1024), updated.ContextParams["token_budget"])
	assert.Equal(t, float64(5), updated.ContextParams["recent_turns"])
}

func TestUpdateConversationNotFound(t *testing.T) {
	s := createTestStore(t)

	mode := "task"
	_, err := s.UpdateConversation(context.Background(), "nope", ConversationPatch{Mode: &mode})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessageIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testConversation("conv-1")))

	msg := &Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		CorrelationID:  "corr-1",
		Role:           RoleUser,
		Content:        "hello",
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.AppendMessage(ctx, msg))

	// Replay with different content must not create a second row or mutate the first
	replay := *msg
	replay.Content = "hello again"
	require.NoError(t, s.AppendMessage(ctx, &replay))

	msgs, err := s.ListRecentMessages(ctx, "conv-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestListRecentMessagesChronological(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testConversation("conv-1")))

	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range []string{"first", "second", "third", "fourth"} {
		msg := &Message{
			ID:             content,
			ConversationID: "conv-1",
			Role:           RoleUser,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendMessage(ctx, msg))
	}

	// Limit keeps the most recent entries, returned oldest first
	msgs, err := s.ListRecentMessages(ctx, "conv-1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "third", msgs[0].Content)
	assert.Equal(t, "fourth", msgs[1].Content)
}

func TestGetMessage(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testConversation("conv-1")))
	msg := &Message{
		ID:             "msg-1",
		ConversationID: "conv-1",
		Role:           RoleAssistant,
		Content:        "answer",
		ToolCalls:      []byte(`[{"tool":"clock"}]`),
		Metadata:       map[string]any{"degraded": true},
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.AppendMessage(ctx, msg))

	got, err := s.GetMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, got.Role)
	assert.JSONEq(t, `[{"tool":"clock"}]`, string(got.ToolCalls))
	assert.Equal(t, map[string]any{"degraded": true}, got.Metadata)

	_, err = s.GetMessage(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchMessagesTenantScoped(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testConversation("conv-1")))
	other := testConversation("conv-2")
	other.TenantID = "tenant-2"
	require.NoError(t, s.CreateConversation(ctx, other))

	now := time.Now().UTC()
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID: "m1", ConversationID: "conv-1", Role: RoleUser,
		Content: "deploy the staging cluster", CreatedAt: now,
	}))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID: "m2", ConversationID: "conv-2", Role: RoleUser,
		Content: "deploy the production cluster", CreatedAt: now,
	}))

	msgs, err := s.SearchMessages(ctx, "tenant-1", "deploy", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestSearchMessagesEscapesLikeMetacharacters(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateConversation(ctx, testConversation("conv-1")))
	now := time.Now().UTC()
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID: "m1", ConversationID: "conv-1", Role: RoleUser,
		Content: "usage is at 100% today", CreatedAt: now,
	}))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ID: "m2", ConversationID: "conv-1", Role: RoleUser,
		Content: "usage is at 100 percent today", CreatedAt: now,
	}))

	msgs, err := s.SearchMessages(ctx, "tenant-1", "100%", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestSaveUsageIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	usage := &TokenUsage{
		ID:             "usage-1",
		ConversationID: "conv-1",
		MessageID:      "msg-1",
		BackendID:      "anthropic-default",
		InputTokens:    120,
		OutputTokens:   340,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.SaveUsage(ctx, usage))
	require.NoError(t, s.SaveUsage(ctx, usage))

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM token_usage WHERE id = ?`, "usage-1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewSQLiteStoreCreatesParentDirs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateConversation(context.Background(), testConversation("conv-1")))
}
