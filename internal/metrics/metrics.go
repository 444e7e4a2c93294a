// ABOUTME: Tagged counter registry for routing, tool, turn, and connection metrics
// ABOUTME: In-process only; snapshots are exposed for logging and tests

package metrics

import (
	"sort"
	"strings"
	"sync"
)

// Registry holds named counters with optional key=value tags.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]int64
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

// key builds a stable series key from a name and tags.
func key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	parts := make([]string, 0, len(tags))
	for k, v := range tags {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

// Inc increments the counter identified by name and tags.
func (r *Registry) Inc(name string, tags map[string]string) {
	r.mu.Lock()
	r.counters[key(name, tags)]++
	r.mu.Unlock()
}

// Add adds delta to the counter identified by name and tags.
func (r *Registry) Add(name string, tags map[string]string, delta int64) {
	r.mu.Lock()
	r.counters[key(name, tags)] += delta
	r.mu.Unlock()
}

// SetGauge records a point-in-time value (connection counts, in-flight turns).
func (r *Registry) SetGauge(name string, value int64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// Get returns the current value of a counter series.
func (r *Registry) Get(name string, tags map[string]string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[key(name, tags)]
}

// Gauge returns the current value of a gauge.
func (r *Registry) Gauge(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// Snapshot returns a copy of every counter series.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}
