// ABOUTME: Tool gateway: role check, rate limit, validation, timed dispatch
// ABOUTME: Every stage emits a counter tagged by tool id and outcome

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/metrics"
)

// Gateway authorizes and invokes tools. The role check runs before anything
// else, so a caller without the required role never reaches validation or
// the handler regardless of its parameters.
type Gateway struct {
	registry       *Registry
	limiters       *limiterSet
	metrics        *metrics.Registry
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// NewGateway creates a gateway over the registry.
func NewGateway(registry *Registry, defaultTimeout time.Duration, reg *metrics.Registry, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry:       registry,
		limiters:       newLimiterSet(),
		metrics:        reg,
		logger:         logger.With("component", "toolgw"),
		defaultTimeout: defaultTimeout,
	}
}

// Invoke runs the full pipeline for one tool call and never returns an
// error: every failure is normalized into the ToolResult status.
func (g *Gateway) Invoke(ctx context.Context, toolID string, params map[string]any, identity *auth.Identity) *ToolResult {
	start := time.Now()
	result := g.invoke(ctx, toolID, params, identity)
	result.Duration = time.Since(start)

	g.metrics.Inc("tool_invocations_total", map[string]string{
		"tool":    toolID,
		"outcome": result.Status,
	})
	if !result.OK() {
		g.logger.Warn("tool invocation failed",
			"tool", toolID,
			"status", result.Status,
			"error", result.Error)
	}
	return result
}

func (g *Gateway) invoke(ctx context.Context, toolID string, params map[string]any, identity *auth.Identity) *ToolResult {
	def, ok := g.registry.Get(toolID)
	if !ok {
		return &ToolResult{ToolID: toolID, Status: StatusNotFound,
			Error: fmt.Sprintf("tool %q is not registered", toolID)}
	}

	if !identity.HasAllRoles(def.RequiredRoles) {
		return &ToolResult{ToolID: toolID, Status: StatusPermissionDenied,
			Error: fmt.Sprintf("requires roles %v", def.RequiredRoles)}
	}

	if !g.limiters.allow(identity.UserID, toolID, def.RateLimit) {
		return &ToolResult{ToolID: toolID, Status: StatusRateLimited,
			Error: "rate limit exceeded, retry later"}
	}

	if err := ValidateParams(params, def.Params); err != nil {
		return &ToolResult{ToolID: toolID, Status: StatusInvalidParams, Error: err.Error()}
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := def.Handler(tctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return &ToolResult{ToolID: toolID, Status: StatusTimeout,
				Error: fmt.Sprintf("timed out after %s", timeout)}
		}
		if errors.Is(err, context.Canceled) {
			return &ToolResult{ToolID: toolID, Status: StatusError, Error: "cancelled"}
		}
		return &ToolResult{ToolID: toolID, Status: StatusError, Error: err.Error()}
	}

	return &ToolResult{ToolID: toolID, Status: StatusOK, Output: output}
}
