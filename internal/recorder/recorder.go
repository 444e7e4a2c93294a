// ABOUTME: Turn recorder persisting completed exchanges and usage accounting
// ABOUTME: Message ids derive from the correlation id so replays store nothing new

package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/locks"
	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/internal/orchestrator"
	"github.com/strandlabs/strand/internal/store"
)

// memoryWriteTimeout bounds the detached fire-and-forget memory write.
const memoryWriteTimeout = 10 * time.Second

// Turn is one completed exchange to persist.
type Turn struct {
	ConversationID string
	CorrelationID  string
	UserID         string
	TenantID       string
	UserText       string
	Result         *orchestrator.TurnResult
}

// Recorder appends completed turns to the store and hands them to the
// memory gateway for later retrieval. Only successful turns reach Record;
// cancelled or failed turns are never persisted.
type Recorder struct {
	store  store.Store
	memory memory.Gateway
	locks  *locks.Keyed
	logger *slog.Logger
	now    func() time.Time
}

// New creates a recorder sharing the per-conversation lock set.
func New(s store.Store, mem memory.Gateway, keyed *locks.Keyed, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  s,
		memory: mem,
		locks:  keyed,
		logger: logger.With("component", "recorder"),
		now:    time.Now,
	}
}

// Record persists the user and assistant messages plus usage, then triggers
// the memory write in the background. All writes are idempotent: ids derive
// from the correlation id, so retrying a turn stores nothing new.
func (r *Recorder) Record(ctx context.Context, turn Turn) error {
	r.locks.Lock(turn.ConversationID)
	defer r.locks.Unlock(turn.ConversationID)

	now := r.now().UTC()
	userMsg := &store.Message{
		ID:             deriveID(turn.CorrelationID, "user"),
		ConversationID: turn.ConversationID,
		CorrelationID:  turn.CorrelationID,
		Role:           store.RoleUser,
		Content:        turn.UserText,
		CreatedAt:      now,
	}
	if err := r.store.AppendMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("recording user message: %w", err)
	}

	assistantMsg := &store.Message{
		ID:             deriveID(turn.CorrelationID, "assistant"),
		ConversationID: turn.ConversationID,
		CorrelationID:  turn.CorrelationID,
		Role:           store.RoleAssistant,
		Content:        turn.Result.Content,
		ToolCalls:      turn.Result.ToolCalls,
		Metadata:       assistantMetadata(turn.Result),
		CreatedAt:      now.Add(time.Millisecond),
	}
	if err := r.store.AppendMessage(ctx, assistantMsg); err != nil {
		return fmt.Errorf("recording assistant message: %w", err)
	}

	usage := &store.TokenUsage{
		ID:             deriveID(turn.CorrelationID, "usage"),
		ConversationID: turn.ConversationID,
		MessageID:      assistantMsg.ID,
		BackendID:      turn.Result.BackendID,
		InputTokens:    turn.Result.Usage.InputTokens,
		OutputTokens:   turn.Result.Usage.OutputTokens,
		CreatedAt:      now,
	}
	if err := r.store.SaveUsage(ctx, usage); err != nil {
		return fmt.Errorf("recording usage: %w", err)
	}

	// Detached from the turn's context: the client already has its
	// response, so a dying connection must not abort indexing.
	go r.writeMemory(turn, now)

	return nil
}

func (r *Recorder) writeMemory(turn Turn, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), memoryWriteTimeout)
	defer cancel()

	err := r.memory.Write(ctx, memory.Turn{
		ID:             deriveID(turn.CorrelationID, "turn"),
		ConversationID: turn.ConversationID,
		UserID:         turn.UserID,
		TenantID:       turn.TenantID,
		UserText:       turn.UserText,
		AssistantText:  turn.Result.Content,
		Timestamp:      at,
	}, map[string]any{"backend_id": turn.Result.BackendID})
	if err != nil {
		r.logger.Warn("memory write failed",
			"conversation_id", turn.ConversationID,
			"correlation_id", turn.CorrelationID,
			"error", err)
	}
}

func assistantMetadata(result *orchestrator.TurnResult) map[string]any {
	md := map[string]any{
		"backend_id": result.BackendID,
	}
	if result.MemoryDegraded {
		md["memory_degraded"] = true
	}
	if len(result.Annotations) > 0 {
		md["annotations"] = result.Annotations
	}
	return md
}

// deriveID produces a stable uuid from the correlation id and a suffix.
func deriveID(correlationID, suffix string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(correlationID+":"+suffix)).String()
}
