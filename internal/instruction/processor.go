// ABOUTME: Instruction processor: parse, authorize, execute, emit result
// ABOUTME: Confirmation-gated commands wait in a TTL store until /confirm arrives

package instruction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/locks"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/store"
)

// Result statuses.
const (
	StatusOK                  = "ok"
	StatusPermissionDenied    = "permission_denied"
	StatusInvalid             = "invalid"
	StatusPendingConfirmation = "pending_confirmation"
	StatusNotFound            = "not_found"
)

// Result is the structured outcome returned to the client. Changes describes
// the configuration fields that were mutated, for client echo.
type Result struct {
	Status       string         `json:"status"`
	Message      string         `json:"message"`
	Changes      map[string]any `json:"changes,omitempty"`
	ConfirmToken string         `json:"confirm_token,omitempty"`
}

// pending is an instruction waiting for its /confirm follow-up.
type pending struct {
	instr          *Instruction
	conversationID string
	userID         string
	expiresAt      time.Time
}

// Processor executes slash commands against conversation configuration.
// Never touches the generative backend. Failures come back as Results,
// never as faults that would kill the connection.
type Processor struct {
	store      store.Store
	locks      *locks.Keyed
	metrics    *metrics.Registry
	logger     *slog.Logger
	confirmTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	pending map[string]*pending // confirm token -> pending instruction
}

// NewProcessor creates a processor. The keyed lock set must be the same one
// the turn recorder uses so configuration writes serialize per conversation.
func NewProcessor(s store.Store, keyed *locks.Keyed, confirmTTL time.Duration, reg *metrics.Registry, logger *slog.Logger) *Processor {
	return &Processor{
		store:      s,
		locks:      keyed,
		metrics:    reg,
		logger:     logger.With("component", "instruction"),
		confirmTTL: confirmTTL,
		now:        time.Now,
		pending:    make(map[string]*pending),
	}
}

// Process parses and runs command text for the given identity and
// conversation. Returns ErrNotInstruction untouched so the caller can fall
// through to orchestration.
func (p *Processor) Process(ctx context.Context, identity *auth.Identity, conversationID, text string) (*Result, error) {
	instr, err := Parse(text)
	if errors.Is(err, ErrNotInstruction) {
		return nil, err
	}
	if err != nil {
		p.metrics.Inc("instructions_total", map[string]string{"status": StatusInvalid})
		return &Result{Status: StatusInvalid, Message: err.Error()}, nil
	}

	result := p.run(ctx, identity, conversationID, instr)
	p.metrics.Inc("instructions_total", map[string]string{"status": result.Status})
	return result, nil
}

func (p *Processor) run(ctx context.Context, identity *auth.Identity, conversationID string, instr *Instruction) *Result {
	switch instr.Kind {
	case KindHelp:
		return &Result{Status: StatusOK, Message: helpText}
	case KindConfirm:
		return p.confirm(ctx, identity, conversationID, instr.Token)
	}

	if role := RequiredRole(instr.Kind); role != "" && !identity.HasRole(role) {
		p.logger.Info("instruction denied",
			"kind", instr.Kind,
			"user_id", identity.UserID,
			"missing_role", role)
		return &Result{
			Status:  StatusPermissionDenied,
			Message: fmt.Sprintf("requires role %s", role),
		}
	}

	if RequiresConfirmation(instr.Kind) {
		token := p.addPending(instr, conversationID, identity.UserID)
		return &Result{
			Status:       StatusPendingConfirmation,
			Message:      fmt.Sprintf("run /confirm %s within %s to apply", token, p.confirmTTL),
			ConfirmToken: token,
		}
	}

	return p.execute(ctx, conversationID, instr)
}

// confirm applies a previously pended instruction. The original issuer's role
// was checked at pend time; confirmation only checks identity and freshness.
func (p *Processor) confirm(ctx context.Context, identity *auth.Identity, conversationID, token string) *Result {
	p.mu.Lock()
	pend, ok := p.pending[token]
	if ok {
		delete(p.pending, token)
	}
	p.mu.Unlock()

	if !ok || p.now().After(pend.expiresAt) {
		return &Result{Status: StatusNotFound, Message: "no pending instruction for that token"}
	}
	if pend.userID != identity.UserID || pend.conversationID != conversationID {
		return &Result{Status: StatusNotFound, Message: "no pending instruction for that token"}
	}
	return p.execute(ctx, conversationID, pend.instr)
}

// addPending stores an instruction awaiting confirmation and returns its token.
// Expired entries are swept opportunistically on each add.
func (p *Processor) addPending(instr *Instruction, conversationID, userID string) string {
	token := uuid.New().String()[:8]

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for t, pend := range p.pending {
		if now.After(pend.expiresAt) {
			delete(p.pending, t)
		}
	}
	p.pending[token] = &pending{
		instr:          instr,
		conversationID: conversationID,
		userID:         userID,
		expiresAt:      now.Add(p.confirmTTL),
	}
	return token
}

// execute mutates the addressed conversation's configuration under its lock.
func (p *Processor) execute(ctx context.Context, conversationID string, instr *Instruction) *Result {
	p.locks.Lock(conversationID)
	defer p.locks.Unlock(conversationID)

	patch, changes, err := p.buildPatch(ctx, conversationID, instr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Result{Status: StatusNotFound, Message: "conversation not found"}
		}
		return &Result{Status: StatusInvalid, Message: err.Error()}
	}

	if _, err := p.store.UpdateConversation(ctx, conversationID, patch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Result{Status: StatusNotFound, Message: "conversation not found"}
		}
		p.logger.Error("instruction update failed",
			"conversation_id", conversationID,
			"kind", instr.Kind,
			"error", err)
		return &Result{Status: StatusInvalid, Message: "update failed"}
	}

	return &Result{
		Status:  StatusOK,
		Message: describeChanges(instr),
		Changes: changes,
	}
}

func (p *Processor) buildPatch(ctx context.Context, conversationID string, instr *Instruction) (store.ConversationPatch, map[string]any, error) {
	var patch store.ConversationPatch
	changes := make(map[string]any)

	switch instr.Kind {
	case KindSetMode:
		patch.Mode = &instr.Mode
		changes["mode"] = instr.Mode
	case KindSetModel:
		patch.ModelOverride = &instr.Model
		changes["model_override"] = instr.Model
	case KindClearModel:
		empty := ""
		patch.ModelOverride = &empty
		changes["model_override"] = ""
	case KindSetPersona:
		patch.Persona = &instr.Persona
		changes["persona"] = instr.Persona
	case KindSetParam:
		value, err := coerceParam(instr.ParamKey, instr.ParamValue)
		if err != nil {
			return patch, nil, err
		}
		patch.ContextParams = map[string]any{instr.ParamKey: value}
		changes[instr.ParamKey] = value
	case KindPin, KindUnpin:
		pinned, err := p.patchPins(ctx, conversationID, instr)
		if err != nil {
			return patch, nil, err
		}
		patch.PinnedIDs = &pinned
		changes["pinned_ids"] = pinned
	case KindReset:
		empty := ""
		defaultMode := "chat"
		noPins := []string{}
		patch.Mode = &defaultMode
		patch.ModelOverride = &empty
		patch.Persona = &empty
		patch.PinnedIDs = &noPins
		changes["mode"] = defaultMode
		changes["model_override"] = ""
		changes["persona"] = ""
		changes["pinned_ids"] = noPins
	default:
		return patch, nil, fmt.Errorf("%w: %s", ErrUnknownCommand, instr.Kind)
	}
	return patch, changes, nil
}

// patchPins computes the new pinned set. Pinning verifies the message exists
// and belongs to this conversation.
func (p *Processor) patchPins(ctx context.Context, conversationID string, instr *Instruction) ([]string, error) {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if instr.Kind == KindUnpin {
		pinned := make([]string, 0, len(conv.PinnedIDs))
		for _, id := range conv.PinnedIDs {
			if id != instr.MessageID {
				pinned = append(pinned, id)
			}
		}
		return pinned, nil
	}

	msg, err := p.store.GetMessage(ctx, instr.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: message %s not found", ErrBadArguments, instr.MessageID)
		}
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: message %s is not in this conversation", ErrBadArguments, instr.MessageID)
	}
	for _, id := range conv.PinnedIDs {
		if id == instr.MessageID {
			return conv.PinnedIDs, nil
		}
	}
	return append(append([]string{}, conv.PinnedIDs...), instr.MessageID), nil
}

// Context parameters with known types get coerced; unknown keys stay strings.
func coerceParam(key, value string) (any, error) {
	switch key {
	case "token_budget", "recent_turns", "retrieval_top_k":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %s must be a positive integer", ErrBadArguments, key)
		}
		return n, nil
	default:
		return value, nil
	}
}

func describeChanges(instr *Instruction) string {
	switch instr.Kind {
	case KindSetMode:
		return fmt.Sprintf("mode set to %s", instr.Mode)
	case KindSetModel:
		return fmt.Sprintf("model override set to %s", instr.Model)
	case KindClearModel:
		return "model override cleared"
	case KindSetPersona:
		return fmt.Sprintf("persona set to %s", instr.Persona)
	case KindSetParam:
		return fmt.Sprintf("%s set to %s", instr.ParamKey, instr.ParamValue)
	case KindPin:
		return fmt.Sprintf("pinned %s", instr.MessageID)
	case KindUnpin:
		return fmt.Sprintf("unpinned %s", instr.MessageID)
	case KindReset:
		return "conversation configuration reset"
	}
	return "applied"
}

const helpText = `Commands:
/set mode <chat|analysis|task>
/set model <model-id>
/set persona <text>
/set param <key> <value>
/clear model
/pin <message-id>
/unpin <message-id>
/reset
/confirm <token>`
