// ABOUTME: Process-local memory gateway backed by maps, used in tests and dev mode
// ABOUTME: Substring search with idempotent writes keyed by turn id

package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// stored is the internal representation kept by InMemoryGateway.
type stored struct {
	id        string
	tenantID  string
	content   string
	tier      string
	timestamp time.Time
	metadata  map[string]any
}

// InMemoryGateway is a naive process-local Gateway. Search is a linear scan
// with case-insensitive substring matching; suitable for tests and the mock
// backend dev loop, not for production retrieval.
type InMemoryGateway struct {
	mu    sync.RWMutex
	items map[string]stored // item id -> stored item
}

// NewInMemoryGateway creates an empty in-memory gateway.
func NewInMemoryGateway() *InMemoryGateway {
	return &InMemoryGateway{items: make(map[string]stored)}
}

// Query performs a substring match over stored items scoped to the tenant.
// Results are ordered newest first up to TopK.
func (g *InMemoryGateway) Query(ctx context.Context, q Query) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	needle := strings.ToLower(q.Text)
	var matches []stored
	for _, it := range g.items {
		if it.tenantID != q.TenantID {
			continue
		}
		if needle == "" || strings.Contains(strings.ToLower(it.content), needle) {
			matches = append(matches, it)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].timestamp.After(matches[j].timestamp)
	})
	if q.TopK > 0 && len(matches) > q.TopK {
		matches = matches[:q.TopK]
	}

	results := make([]Item, 0, len(matches))
	for _, it := range matches {
		md := make(map[string]any, len(it.metadata))
		for k, v := range it.metadata {
			md[k] = v
		}
		results = append(results, Item{
			ID:         it.id,
			Content:    it.content,
			SourceTier: it.tier,
			Score:      1.0,
			Timestamp:  it.timestamp,
			Metadata:   md,
		})
	}
	return results, nil
}

// Write stores a completed turn. Replaying the same turn id is a no-op.
func (g *InMemoryGateway) Write(ctx context.Context, turn Turn, metadata map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.items[turn.ID]; exists {
		return nil
	}

	content := turn.UserText
	if turn.AssistantText != "" {
		content = turn.UserText + "\n" + turn.AssistantText
	}
	g.items[turn.ID] = stored{
		id:        turn.ID,
		tenantID:  turn.TenantID,
		content:   content,
		tier:      TierShortTerm,
		timestamp: turn.Timestamp,
		metadata:  metadata,
	}
	return nil
}

// Len reports the number of stored items, for tests.
func (g *InMemoryGateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.items)
}
