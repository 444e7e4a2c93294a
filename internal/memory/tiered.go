// ABOUTME: Tiered gateway fanning queries across the composed memory tiers
// ABOUTME: A failing tier degrades to the others' results instead of failing

package memory

import (
	"context"
	"log/slog"
	"sort"
)

// TieredGateway composes the memory tiers: recent turns held in memory,
// persisted history, and pinned facts. Queries fan out to every tier; a
// failure in one degrades to the others' results rather than failing the
// query.
type TieredGateway struct {
	tiers  []Gateway
	logger *slog.Logger
}

// NewTieredGateway composes the given tiers in query order.
func NewTieredGateway(logger *slog.Logger, tiers ...Gateway) *TieredGateway {
	return &TieredGateway{
		tiers:  tiers,
		logger: logger.With("component", "memory"),
	}
}

// Query merges results from every tier, newest first, capped at TopK.
// Returns an error only when all tiers fail.
func (g *TieredGateway) Query(ctx context.Context, q Query) ([]Item, error) {
	var merged []Item
	var firstErr error

	for _, tier := range g.tiers {
		items, err := tier.Query(ctx, q)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			g.logger.Warn("memory tier query failed", "error", err)
			continue
		}
		merged = append(merged, items...)
	}
	if len(merged) == 0 && firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	if q.TopK > 0 && len(merged) > q.TopK {
		merged = merged[:q.TopK]
	}
	return merged, nil
}

// Write records the turn in every tier, stopping at the first failure.
func (g *TieredGateway) Write(ctx context.Context, turn Turn, metadata map[string]any) error {
	for _, tier := range g.tiers {
		if err := tier.Write(ctx, turn, metadata); err != nil {
			return err
		}
	}
	return nil
}
