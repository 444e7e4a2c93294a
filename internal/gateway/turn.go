// ABOUTME: Per-turn execution path bridging a session to the processors
// ABOUTME: Instructions mutate conversation config, messages run the orchestrator

package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/instruction"
	"github.com/strandlabs/strand/internal/recorder"
	"github.com/strandlabs/strand/internal/session"
	"github.com/strandlabs/strand/internal/store"
)

// runTurn executes one accepted envelope to its terminal envelope. Exactly
// one terminal (response or error) is sent per correlation id.
func (g *Gateway) runTurn(ctx context.Context, sess *session.Session, env *envelope.Envelope) {
	identity := sess.Identity()

	conv, err := g.ensureConversation(ctx, env.ConversationID, identity.UserID, identity.TenantID)
	if err != nil {
		te := envelope.Classify(err)
		_ = sess.Send(envelope.NewError(env.CorrelationID, te))
		return
	}

	// Instruction path first: commands and slash-prefixed messages resolve
	// without touching a backend.
	result, err := g.instructions.Process(ctx, identity, conv.ID, env.Content)
	if err == nil {
		_ = sess.Send(instructionEnvelope(env.CorrelationID, conv.ID, result))
		return
	}
	if !errors.Is(err, instruction.ErrNotInstruction) {
		_ = sess.Send(envelope.NewError(env.CorrelationID, envelope.Classify(err)))
		return
	}

	g.orchestrate(ctx, sess, env, conv)
}

// orchestrate runs the generation pipeline and records the completed turn.
func (g *Gateway) orchestrate(ctx context.Context, sess *session.Session, env *envelope.Envelope, conv *store.Conversation) {
	streaming := true
	if v, ok := env.Metadata["stream"].(bool); ok {
		streaming = v
	}

	identity := sess.Identity()
	events, errCh := g.orchestrator.Run(ctx, identity, conv, env.Content, streaming)
	result, relayErr := g.streams.Relay(ctx, env.CorrelationID, conv.ID, events, errCh, sess)
	if relayErr != nil || result == nil {
		// Relay already delivered the terminal error envelope. Cancelled
		// and failed turns are never persisted.
		return
	}

	recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := g.recorder.Record(recordCtx, recorder.Turn{
		ConversationID: conv.ID,
		CorrelationID:  env.CorrelationID,
		UserID:         identity.UserID,
		TenantID:       identity.TenantID,
		UserText:       env.Content,
		Result:         result,
	})
	if err != nil {
		// The client already has its response; persistence failures are an
		// operator problem, not a turn failure.
		g.logger.Error("recording turn failed",
			"conversation_id", conv.ID,
			"correlation_id", env.CorrelationID,
			"error", err)
	}
}

// ensureConversation loads the addressed conversation, creating it on first
// use. An empty id starts a fresh conversation.
func (g *Gateway) ensureConversation(ctx context.Context, id, userID, tenantID string) (*store.Conversation, error) {
	if id == "" {
		id = uuid.New().String()
	}

	conv, err := g.store.GetConversation(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	fresh := &store.Conversation{
		ID:           id,
		TenantID:     tenantID,
		Participants: []string{userID},
		Mode:         "chat",
	}
	if err := g.store.CreateConversation(ctx, fresh); err != nil {
		// A concurrent first message may have won the create.
		if errors.Is(err, store.ErrDuplicateConversation) {
			return g.store.GetConversation(ctx, id)
		}
		return nil, err
	}
	g.metrics.Inc("conversations_created_total", nil)
	return fresh, nil
}

// instructionEnvelope converts a processed instruction result into its
// client echo: a response envelope describing the state change.
func instructionEnvelope(correlationID, conversationID string, result *instruction.Result) *envelope.Envelope {
	if result.Status == instruction.StatusPermissionDenied {
		te := envelope.NewTurnError(envelope.KindPermission, result.Message, nil)
		return envelope.NewError(correlationID, te)
	}

	metadata := map[string]any{"status": result.Status}
	if len(result.Changes) > 0 {
		metadata["changes"] = result.Changes
	}
	if result.ConfirmToken != "" {
		metadata["confirm_token"] = result.ConfirmToken
	}
	return envelope.NewResponse(correlationID, conversationID, result.Message, metadata)
}
