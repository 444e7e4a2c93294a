// ABOUTME: Tool planning: decide which tools a message needs from content patterns
// ABOUTME: Default heuristic planner; the interface is a seam for tests

package orchestrator

import (
	"strings"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/integrator"
)

// Invocation is one planned tool call. Required invocations abort the turn
// on failure; optional ones degrade it with an annotation.
type Invocation struct {
	ToolID   string
	Params   map[string]any
	Required bool
}

// Planner decides which tools a turn needs.
type Planner interface {
	Plan(text string, tc *integrator.TurnContext, identity *auth.Identity) []Invocation
}

// heuristicPlanner matches message content against simple patterns. Tools
// planned here are optional: a missing search result degrades the answer,
// it does not invalidate it.
type heuristicPlanner struct{}

var searchPhrases = []string{
	"search for", "search the", "look up", "look for",
	"find the conversation", "what did we say", "what did we discuss",
	"earlier we", "previously",
}

var clockPhrases = []string{
	"what time", "current time", "what day", "what date", "today's date",
}

func (heuristicPlanner) Plan(text string, tc *integrator.TurnContext, identity *auth.Identity) []Invocation {
	lower := strings.ToLower(text)
	var plan []Invocation

	if containsAny(lower, searchPhrases) {
		plan = append(plan, Invocation{
			ToolID: "search",
			Params: map[string]any{
				"query":     text,
				"tenant_id": identity.TenantID,
			},
		})
	}
	if containsAny(lower, clockPhrases) {
		plan = append(plan, Invocation{
			ToolID: "clock",
			Params: map[string]any{},
		})
	}
	return plan
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
