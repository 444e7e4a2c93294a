// ABOUTME: Per-turn coordinator: select backend, run tools, generate, post-process
// ABOUTME: Turns on the same conversation serialize on the shared keyed lock

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/backend"
	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/integrator"
	"github.com/strandlabs/strand/internal/locks"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/internal/tools"
)

const (
	eventBufferSize = 32

	// defaultMaxTokens caps generation when the conversation sets no limit.
	defaultMaxTokens = 1024

	// complexMessageChars marks a message as complex enough to bump tiers.
	complexMessageChars = 400
)

// Event is one orchestration event: a streamed delta or the terminal result.
type Event struct {
	Delta  string
	Done   bool
	Result *TurnResult
}

// TurnResult is the completed turn handed to the recorder and, through the
// stream processor, to the client's terminal envelope.
type TurnResult struct {
	Content       string
	BackendID     string
	SelectionNote string
	Usage         backend.Usage
	// ToolCalls is the full JSON record of successful tool results.
	ToolCalls json.RawMessage
	// ToolsCalled lists the ids of tools that completed successfully.
	ToolsCalled []string
	// DegradedTools lists optional tools that failed and were skipped.
	DegradedTools  []string
	Annotations    []string
	MemoryDegraded bool
}

// Orchestrator runs the generative path of a turn.
type Orchestrator struct {
	backends       *backend.Registry
	toolGW         *tools.Gateway
	integrator     *integrator.Integrator
	locks          *locks.Keyed
	planner        Planner
	post           *postProcessor
	fanout         int
	backendTimeout time.Duration
	metrics        *metrics.Registry
	logger         *slog.Logger
}

// New creates an orchestrator. fanout caps concurrent tool invocations;
// backendTimeout bounds a single generation call (zero disables the bound).
func New(backends *backend.Registry, toolGW *tools.Gateway, integ *integrator.Integrator, keyed *locks.Keyed, fanout int, backendTimeout time.Duration, renderMarkdown bool, reg *metrics.Registry, logger *slog.Logger) *Orchestrator {
	if fanout < 1 {
		fanout = 1
	}
	return &Orchestrator{
		backends:       backends,
		toolGW:         toolGW,
		integrator:     integ,
		locks:          keyed,
		planner:        heuristicPlanner{},
		post:           newPostProcessor(renderMarkdown),
		fanout:         fanout,
		backendTimeout: backendTimeout,
		metrics:        reg,
		logger:         logger.With("component", "orchestrator"),
	}
}

// SetPlanner replaces the tool planner. For tests.
func (o *Orchestrator) SetPlanner(p Planner) { o.planner = p }

// Run executes one turn. Events stream on the returned channel; on failure a
// single classified error arrives on the error channel instead of a Done
// event. Both channels close when the turn finishes or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, identity *auth.Identity, conv *store.Conversation, text string, stream bool) (<-chan Event, <-chan error) {
	out := make(chan Event, eventBufferSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		o.locks.Lock(conv.ID)
		defer o.locks.Unlock(conv.ID)

		if err := o.run(ctx, identity, conv, text, stream, out); err != nil {
			errCh <- err
			o.metrics.Inc("turns_total", map[string]string{"outcome": "error"})
			return
		}
		o.metrics.Inc("turns_total", map[string]string{"outcome": "ok"})
	}()

	return out, errCh
}

func (o *Orchestrator) run(ctx context.Context, identity *auth.Identity, conv *store.Conversation, text string, stream bool, out chan<- Event) error {
	tc, err := o.integrator.Integrate(ctx, conv, identity.UserID, text)
	if err != nil {
		return envelope.NewTurnError(envelope.KindInternal, "context assembly failed", err)
	}

	b, selectionNote, err := o.backends.Select(conv.Mode, conv.ModelOverride, o.isComplex(text, tc))
	if err != nil {
		return envelope.NewTurnError(envelope.KindInternal, "no response backend available", err)
	}

	plan := o.planner.Plan(text, tc, identity)
	phase, err := o.runTools(ctx, plan, identity)
	if err != nil {
		return err
	}
	annotations := phase.annotations
	if tc.MemoryDegraded {
		annotations = append(annotations, "memory_degraded")
	}

	req := o.buildRequest(conv, tc, phase.results, stream)

	// Bound the generation call so a stalled backend cannot pin the turn.
	genCtx := ctx
	if o.backendTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, o.backendTimeout)
		defer cancel()
	}
	events, errCh := b.Generate(genCtx, req)

	var final *backend.Event
	for {
		select {
		case <-genCtx.Done():
			return envelope.Classify(genCtx.Err())
		case err, ok := <-errCh:
			if ok && err != nil {
				return envelope.Classify(err)
			}
			errCh = nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				break
			}
			if ev.Done {
				final = &ev
				continue
			}
			select {
			case out <- Event{Delta: ev.Delta}:
			case <-genCtx.Done():
				return envelope.Classify(genCtx.Err())
			}
		}
		if events == nil {
			break
		}
	}
	// The backend may have reported an error after its last event
	if errCh != nil {
		if err, ok := <-errCh; ok && err != nil {
			return envelope.Classify(err)
		}
	}
	if final == nil {
		return envelope.NewTurnError(envelope.KindInternal, "backend stream ended without a result", nil)
	}

	content := o.post.process(final.Text)

	result := &TurnResult{
		Content:        content,
		BackendID:      b.ID(),
		SelectionNote:  selectionNote,
		Usage:          final.Usage,
		ToolsCalled:    phase.called,
		DegradedTools:  phase.degraded,
		Annotations:    annotations,
		MemoryDegraded: tc.MemoryDegraded,
	}
	if len(phase.results) > 0 {
		toolCallsJSON, _ := json.Marshal(phase.results)
		result.ToolCalls = toolCallsJSON
	}

	select {
	case out <- Event{Done: true, Result: result}:
	case <-ctx.Done():
		return envelope.Classify(ctx.Err())
	}
	return nil
}

// toolPhase summarizes the pre-generation tool fan-out: successful results,
// the ids that ran, and the optional ids that failed and were skipped.
type toolPhase struct {
	results     []*tools.ToolResult
	called      []string
	degraded    []string
	annotations []string
}

// runTools invokes the planned tools with bounded concurrency and a join
// point before generation. A failed required tool aborts the turn; a failed
// optional tool is dropped and reported as degraded.
func (o *Orchestrator) runTools(ctx context.Context, plan []Invocation, identity *auth.Identity) (*toolPhase, error) {
	phase := &toolPhase{}
	if len(plan) == 0 {
		return phase, nil
	}

	results := make([]*tools.ToolResult, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.fanout)

	for idx, inv := range plan {
		idx, inv := idx, inv
		g.Go(func() error {
			res := o.toolGW.Invoke(gctx, inv.ToolID, inv.Params, identity)
			results[idx] = res
			if inv.Required && !res.OK() {
				return envelope.NewTurnError(kindForToolStatus(res.Status),
					fmt.Sprintf("required tool %s failed: %s", inv.ToolID, res.Error), nil)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range results {
		if res.OK() {
			phase.results = append(phase.results, res)
			phase.called = append(phase.called, res.ToolID)
			continue
		}
		phase.degraded = append(phase.degraded, res.ToolID)
		phase.annotations = append(phase.annotations, fmt.Sprintf("tool_degraded:%s:%s", res.ToolID, res.Status))
	}
	return phase, nil
}

// buildRequest assembles the prompt: persona as system text, context items
// in order, tool results appended before the current message.
func (o *Orchestrator) buildRequest(conv *store.Conversation, tc *integrator.TurnContext, toolResults []*tools.ToolResult, stream bool) backend.Request {
	req := backend.Request{
		System:    conv.Persona,
		MaxTokens: defaultMaxTokens,
		Stream:    stream,
	}

	for _, item := range tc.Items {
		role := item.Role
		if role != store.RoleAssistant {
			role = store.RoleUser
		}
		content := item.Content
		if item.Source == integrator.SourceMemory || item.Source == integrator.SourcePinned {
			content = "[context] " + content
		}
		req.Messages = append(req.Messages, backend.Message{Role: role, Content: content})
	}

	if len(toolResults) > 0 {
		var sb strings.Builder
		sb.WriteString("[tool results]\n")
		for _, res := range toolResults {
			payload, _ := json.Marshal(res.Output)
			fmt.Fprintf(&sb, "%s: %s\n", res.ToolID, payload)
		}
		// Insert ahead of the current message so the model sees tools first
		last := req.Messages[len(req.Messages)-1]
		req.Messages = append(req.Messages[:len(req.Messages)-1],
			backend.Message{Role: store.RoleUser, Content: sb.String()}, last)
	}
	return req
}

// isComplex is the tier-bump heuristic: long messages or context windows
// past half their budget suggest the harder tier.
func (o *Orchestrator) isComplex(text string, tc *integrator.TurnContext) bool {
	if len(text) > complexMessageChars {
		return true
	}
	return tc.Budget > 0 && tc.TotalTokens > tc.Budget/2
}

func kindForToolStatus(status string) envelope.Kind {
	switch status {
	case tools.StatusPermissionDenied:
		return envelope.KindPermission
	case tools.StatusRateLimited:
		return envelope.KindRateLimit
	case tools.StatusTimeout:
		return envelope.KindTimeout
	case tools.StatusInvalidParams:
		return envelope.KindValidation
	default:
		return envelope.KindInternal
	}
}
