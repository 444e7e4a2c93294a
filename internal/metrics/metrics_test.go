// ABOUTME: Tests for the tagged counter registry
// ABOUTME: Verifies tag normalization, concurrency safety, and snapshots

package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_TagOrderIrrelevant(t *testing.T) {
	r := NewRegistry()
	r.Inc("tool_invocations", map[string]string{"tool": "clock", "outcome": "ok"})
	r.Inc("tool_invocations", map[string]string{"outcome": "ok", "tool": "clock"})

	assert.Equal(t, int64(2), r.Get("tool_invocations", map[string]string{"tool": "clock", "outcome": "ok"}))
}

func TestRegistry_SeparateSeries(t *testing.T) {
	r := NewRegistry()
	r.Inc("routing_decisions", map[string]string{"dest": "orchestration"})
	r.Inc("routing_decisions", map[string]string{"dest": "instruction"})

	assert.Equal(t, int64(1), r.Get("routing_decisions", map[string]string{"dest": "orchestration"}))
	assert.Equal(t, int64(1), r.Get("routing_decisions", map[string]string{"dest": "instruction"}))
	assert.Equal(t, int64(0), r.Get("routing_decisions", map[string]string{"dest": "discard"}))
}

func TestRegistry_Gauge(t *testing.T) {
	r := NewRegistry()
	r.SetGauge("connections", 7)
	assert.Equal(t, int64(7), r.Gauge("connections"))
	r.SetGauge("connections", 3)
	assert.Equal(t, int64(3), r.Gauge("connections"))
}

func TestRegistry_ConcurrentInc(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc("turns", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), r.Get("turns", nil))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.Add("bytes", nil, 42)
	snap := r.Snapshot()
	assert.Equal(t, int64(42), snap["bytes"])

	// Snapshot is a copy.
	snap["bytes"] = 0
	assert.Equal(t, int64(42), r.Get("bytes", nil))
}
