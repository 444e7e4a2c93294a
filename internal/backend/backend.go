// ABOUTME: Backend interface, registry, and tier-based selection
// ABOUTME: Generation is channel-based: partial deltas then one final event

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/strandlabs/strand/internal/config"
)

// eventBufferSize is the generation channel buffer.
const eventBufferSize = 32

var (
	// ErrNoBackend means no registered backend satisfies the selection.
	ErrNoBackend = errors.New("no backend available")

	// ErrDuplicateBackend means a backend id was registered twice.
	ErrDuplicateBackend = errors.New("backend already registered")
)

// Message is one prompt message.
type Message struct {
	Role    string
	Content string
}

// Request is a generation request. Stream controls whether partial events
// are emitted before the final one.
type Request struct {
	System    string
	Messages  []Message
	MaxTokens int64
	Stream    bool
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is one generation event. Partial events carry a Delta; the single
// final event carries the full Text and Usage.
type Event struct {
	Delta string
	Done  bool
	Text  string
	Usage Usage
}

// Backend generates responses. Generate returns an event channel and an
// error channel, both closed when generation finishes; at most one error is
// sent. Cancellation of ctx aborts the provider call.
type Backend interface {
	ID() string
	Tier() string
	ModelID() string
	Generate(ctx context.Context, req Request) (<-chan Event, <-chan error)
}

// Registry holds registered backends and selects one per turn.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	order    []string // registration order, used as tie-break
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		backends: make(map[string]Backend),
		logger:   logger.With("component", "backends"),
	}
}

// NewRegistryFromConfig builds and registers a backend per config entry.
func NewRegistryFromConfig(cfgs []config.BackendConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, cfg := range cfgs {
		var b Backend
		switch cfg.Provider {
		case "anthropic":
			b = NewAnthropic(cfg)
		case "openai":
			b = NewOpenAI(cfg)
		case "mock":
			b = NewMock(cfg.ID, cfg.Tier, cfg.Model)
		default:
			return nil, fmt.Errorf("unknown backend provider %q", cfg.Provider)
		}
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a backend. Ids must be unique.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[b.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, b.ID())
	}
	r.backends[b.ID()] = b
	r.order = append(r.order, b.ID())
	r.logger.Info("backend registered", "id", b.ID(), "tier", b.Tier(), "model", b.ModelID())
	return nil
}

// Get returns a backend by id.
func (r *Registry) Get(id string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	return b, ok
}

// Select picks the backend for a turn. An explicit override (a backend id or
// model id the caller is permitted to use) wins; otherwise the conversation
// mode maps to a tier, with the complexity flag bumping chat-tier turns to
// the analysis tier. Ties break by registration order. The chosen reason is
// returned for annotation.
func (r *Registry) Select(mode, override string, complex bool) (Backend, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if override != "" {
		for _, id := range r.order {
			b := r.backends[id]
			if b.ID() == override || b.ModelID() == override {
				return b, "override", nil
			}
		}
		return nil, "", fmt.Errorf("%w: override %q not registered", ErrNoBackend, override)
	}

	tier := tierForMode(mode)
	reason := "mode"
	if tier == "chat" && complex {
		tier = "analysis"
		reason = "complexity"
	}

	if b := r.firstInTier(tier); b != nil {
		return b, reason, nil
	}
	// Fall back to chat tier rather than failing a turn whose mode has no
	// dedicated backend; the orchestrator annotates the substitution.
	if tier != "chat" {
		if b := r.firstInTier("chat"); b != nil {
			return b, "fallback", nil
		}
	}
	return nil, "", ErrNoBackend
}

func (r *Registry) firstInTier(tier string) Backend {
	for _, id := range r.order {
		if b := r.backends[id]; b.Tier() == tier {
			return b
		}
	}
	return nil
}

func tierForMode(mode string) string {
	switch mode {
	case "analysis", "task":
		return "analysis"
	default:
		return "chat"
	}
}
