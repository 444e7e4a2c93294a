// ABOUTME: Tool definitions and the mutex-guarded tool registry
// ABOUTME: Handlers receive validated args; results normalize into ToolResult

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrToolNotFound means no tool is registered under the requested id.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool means a tool id was registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Result statuses.
const (
	StatusOK               = "ok"
	StatusNotFound         = "not_found"
	StatusPermissionDenied = "permission_denied"
	StatusRateLimited      = "rate_limited"
	StatusInvalidParams    = "invalid_params"
	StatusTimeout          = "timeout"
	StatusError            = "error"
)

// RateLimit caps invocations per user per tool. Zero fields mean unlimited.
type RateLimit struct {
	PerMinute int `toml:"per_minute"`
	PerHour   int `toml:"per_hour"`
}

// Handler executes a tool with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition declares one invocable tool: its access policy, parameter
// schema, and handler. Params follows the minimal JSON-Schema shape used by
// the backend adapters (type/properties/required).
type Definition struct {
	ID            string
	Description   string
	RequiredRoles []string
	Params        map[string]any
	RateLimit     RateLimit
	Timeout       time.Duration
	Handler       Handler
}

// ToolResult is the normalized outcome of one invocation.
type ToolResult struct {
	ToolID   string        `json:"tool_id"`
	Status   string        `json:"status"`
	Output   any           `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// OK reports whether the invocation produced a usable output.
func (r *ToolResult) OK() bool { return r.Status == StatusOK }

// Registry holds registered tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Definition
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*Definition),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool. Ids must be unique and handlers non-nil.
func (r *Registry) Register(def *Definition) error {
	if def.ID == "" {
		return fmt.Errorf("tool id is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.ID)
	}
	r.tools[def.ID] = def
	r.logger.Info("tool registered", "id", def.ID, "roles", def.RequiredRoles)
	return nil
}

// Get returns a tool by id.
func (r *Registry) Get(id string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[id]
	return def, ok
}

// List returns all registered tool ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}
