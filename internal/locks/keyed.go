// ABOUTME: Refcounted per-key mutex used to serialize turns per conversation
// ABOUTME: Entries are removed when the last holder releases, so the map stays bounded

package locks

import (
	"sync"
)

// entry is one keyed mutex plus its reference count.
type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed provides mutual exclusion per string key. Locking different keys
// never contends; locking the same key serializes callers in acquisition
// order. Used to guarantee a single authoritative conversation configuration.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyed creates an empty keyed mutex set.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking until available.
func (k *Keyed) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key. Panics if the key was never locked.
func (k *Keyed) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		k.mu.Unlock()
		panic("locks: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// Len returns the number of keys currently held or waited on (for testing).
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
