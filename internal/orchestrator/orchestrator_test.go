// ABOUTME: Tests for turn orchestration: selection, tool policy, cancellation
// ABOUTME: Uses mock backends, a real SQLite store, and stub planners

package orchestrator

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/backend"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/integrator"
	"github.com/strandlabs/strand/internal/locks"
	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/internal/tools"
)

type fixture struct {
	orch  *Orchestrator
	store store.Store
	conv  *store.Conversation
}

type staticPlanner struct {
	plan []Invocation
}

func (p staticPlanner) Plan(string, *integrator.TurnContext, *auth.Identity) []Invocation {
	return p.plan
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID: "conv-1", TenantID: "tenant-1", Mode: "chat",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))

	backends := backend.NewRegistry(slog.Default())
	require.NoError(t, backends.Register(backend.NewMock("chat-default", "chat", "mock-small")))
	require.NoError(t, backends.Register(backend.NewMock("analysis-default", "analysis", "mock-large")))

	registry := tools.NewRegistry(slog.Default())
	require.NoError(t, tools.RegisterBuiltins(registry, s))
	toolGW := tools.NewGateway(registry, time.Second, metrics.NewRegistry(), slog.Default())

	integ := integrator.New(s, memory.NewInMemoryGateway(), config.ContextConfig{
		TokenBudget: 4096, RecentTurns: 10, RetrievalTopK: 5,
		KeywordWeight: 0.5, SemanticWeight: 0.3, RecencyWeight: 0.2, RecencyDecay: 0.9,
	}, time.Second, slog.Default())

	orch := New(backends, toolGW, integ, locks.NewKeyed(), 4, time.Minute, false,
		metrics.NewRegistry(), slog.Default())

	return &fixture{orch: orch, store: s, conv: conv}
}

func identity(roles ...string) *auth.Identity {
	return &auth.Identity{UserID: "user-1", TenantID: "tenant-1", Roles: roles}
}

// collect drains a run to completion.
func collect(t *testing.T, out <-chan Event, errCh <-chan error) (string, *TurnResult, error) {
	t.Helper()
	var deltas string
	var result *TurnResult
	for ev := range out {
		if ev.Done {
			result = ev.Result
			continue
		}
		deltas += ev.Delta
	}
	return deltas, result, <-errCh
}

func TestRunStreamsAndCompletes(t *testing.T) {
	f := setup(t)

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "hello there", true)
	deltas, result, err := collect(t, out, errCh)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "echo: hello there", result.Content)
	assert.Equal(t, deltas, result.Content)
	assert.Equal(t, "chat-default", result.BackendID)
	assert.Greater(t, result.Usage.OutputTokens, 0)
}

func TestRunAnalysisModeSelectsAnalysisTier(t *testing.T) {
	f := setup(t)
	f.conv.Mode = "analysis"

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "deep question", false)
	_, result, err := collect(t, out, errCh)
	require.NoError(t, err)
	assert.Equal(t, "analysis-default", result.BackendID)
	assert.Equal(t, "mode", result.SelectionNote)
}

func TestRunModelOverrideWins(t *testing.T) {
	f := setup(t)
	f.conv.ModelOverride = "mock-large"

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "hi", false)
	_, result, err := collect(t, out, errCh)
	require.NoError(t, err)
	assert.Equal(t, "analysis-default", result.BackendID)
	assert.Equal(t, "override", result.SelectionNote)
}

func TestRunNoBackends(t *testing.T) {
	f := setup(t)
	f.orch.backends = backend.NewRegistry(slog.Default())

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "hi", false)
	_, result, err := collect(t, out, errCh)
	assert.Nil(t, result)
	var te *envelope.TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, envelope.KindInternal, te.Kind)
}

func TestRunOptionalToolFailureDegrades(t *testing.T) {
	f := setup(t)
	// search requires tool.search; the caller lacks it, but the tool is optional
	f.orch.SetPlanner(staticPlanner{plan: []Invocation{{
		ToolID: "search",
		Params: map[string]any{"query": "x", "tenant_id": "tenant-1"},
	}}})

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "hi", false)
	_, result, err := collect(t, out, errCh)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Contains(t, result.Annotations, "tool_degraded:search:permission_denied")
	assert.Equal(t, []string{"search"}, result.DegradedTools)
	assert.Empty(t, result.ToolsCalled)
	assert.Empty(t, result.ToolCalls)
}

func TestRunMixedToolOutcomeSplitsCalledAndDegraded(t *testing.T) {
	f := setup(t)
	// echo succeeds; search fails on permissions but is optional
	f.orch.SetPlanner(staticPlanner{plan: []Invocation{
		{ToolID: "echo", Params: map[string]any{"text": "ok"}},
		{ToolID: "search", Params: map[string]any{"query": "x", "tenant_id": "tenant-1"}},
	}})

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "hi", false)
	_, result, err := collect(t, out, errCh)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []string{"echo"}, result.ToolsCalled)
	assert.Equal(t, []string{"search"}, result.DegradedTools)
	assert.NotEmpty(t, result.ToolCalls)
}

func TestRunRequiredToolFailureAborts(t *testing.T) {
	f := setup(t)
	f.orch.SetPlanner(staticPlanner{plan: []Invocation{{
		ToolID:   "search",
		Params:   map[string]any{"query": "x", "tenant_id": "tenant-1"},
		Required: true,
	}}})

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "hi", false)
	_, result, err := collect(t, out, errCh)
	assert.Nil(t, result)
	var te *envelope.TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, envelope.KindPermission, te.Kind)
}

func TestRunToolResultsReachBackend(t *testing.T) {
	f := setup(t)
	f.orch.SetPlanner(staticPlanner{plan: []Invocation{{
		ToolID: "echo",
		Params: map[string]any{"text": "tool payload"},
	}}})

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "use the tool", false)
	_, result, err := collect(t, out, errCh)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.ToolCalls)
	assert.Equal(t, []string{"echo"}, result.ToolsCalled)
	// Mock echoes the last user message, which stays the current message
	assert.Equal(t, "echo: use the tool", result.Content)
}

type stallBackend struct{}

func (stallBackend) ID() string      { return "stall" }
func (stallBackend) Tier() string    { return "chat" }
func (stallBackend) ModelID() string { return "stall-model" }

func (stallBackend) Generate(ctx context.Context, _ backend.Request) (<-chan backend.Event, <-chan error) {
	out := make(chan backend.Event)
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		errCh <- ctx.Err()
		close(errCh)
		close(out)
	}()
	return out, errCh
}

func TestRunBackendDeadline(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.orch.backends.Register(stallBackend{}))
	f.conv.ModelOverride = "stall-model"
	f.orch.backendTimeout = 25 * time.Millisecond

	out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "hi", true)
	_, result, err := collect(t, out, errCh)
	assert.Nil(t, result)
	var te *envelope.TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, envelope.KindTimeout, te.Kind)
}

func TestRunCancellation(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, errCh := f.orch.Run(ctx, identity(), f.conv, "hi", true)
	_, result, err := collect(t, out, errCh)
	if err == nil {
		// The mock may have finished before cancellation was observed
		t.Skip("backend completed before cancellation propagated")
	}
	assert.Nil(t, result)
	var te *envelope.TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, envelope.KindCancelled, te.Kind)
}

func TestRunSerializesPerConversation(t *testing.T) {
	f := setup(t)

	var mu sync.Mutex
	var active, maxActive int
	f.orch.SetPlanner(staticPlanner{plan: []Invocation{{
		ToolID: "clock",
		Params: map[string]any{},
	}}})

	// Wrap the planner to track concurrent turns on the same conversation
	base := f.orch.planner
	f.orch.planner = plannerFunc(func(text string, tc *integrator.TurnContext, id *auth.Identity) []Invocation {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return base.Plan(text, tc, id)
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, errCh := f.orch.Run(context.Background(), identity(), f.conv, "hi", false)
			for range out {
			}
			<-errCh
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "turns on one conversation must serialize")
}

type plannerFunc func(string, *integrator.TurnContext, *auth.Identity) []Invocation

func (f plannerFunc) Plan(text string, tc *integrator.TurnContext, id *auth.Identity) []Invocation {
	return f(text, tc, id)
}

func TestIsComplex(t *testing.T) {
	f := setup(t)

	short := &integrator.TurnContext{Budget: 4096, TotalTokens: 10}
	assert.False(t, f.orch.isComplex("short message", short))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'a'
	}
	assert.True(t, f.orch.isComplex(string(long), short))

	heavy := &integrator.TurnContext{Budget: 4096, TotalTokens: 3000}
	assert.True(t, f.orch.isComplex("short", heavy))
}

func TestPostProcessRedaction(t *testing.T) {
	p := newPostProcessor(false)

	out := p.process("your key is sk-abcdefghijklmnop1234 keep it safe")
	assert.NotContains(t, out, "sk-abcdefghijklmnop1234")
	assert.Contains(t, out, "[redacted]")

	out = p.process("api_key: supersecretvalue123")
	assert.Contains(t, out, "[redacted]")

	assert.Equal(t, "plain text stays", p.process("plain text stays"))
}

func TestPostProcessMarkdown(t *testing.T) {
	p := newPostProcessor(true)
	out := p.process("# Title\n\nbody")
	assert.Contains(t, out, "<h1")
	assert.Contains(t, out, "body")
}

func TestHeuristicPlanner(t *testing.T) {
	p := heuristicPlanner{}
	id := identity()

	plan := p.Plan("please search for the deploy discussion", nil, id)
	require.Len(t, plan, 1)
	assert.Equal(t, "search", plan[0].ToolID)
	assert.False(t, plan[0].Required)

	plan = p.Plan("what time is it", nil, id)
	require.Len(t, plan, 1)
	assert.Equal(t, "clock", plan[0].ToolID)

	assert.Empty(t, p.Plan("just a normal message", nil, id))
}
