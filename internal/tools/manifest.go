// ABOUTME: TOML manifest overriding tool access policy at deploy time
// ABOUTME: Operators adjust roles, rate limits, and timeouts without rebuilding

package tools

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// manifestEntry is one [[tool]] block in the manifest.
type manifestEntry struct {
	ID            string    `toml:"id"`
	RequiredRoles []string  `toml:"required_roles"`
	RateLimit     RateLimit `toml:"rate_limit"`
	Timeout       string    `toml:"timeout"`
	Disabled      bool      `toml:"disabled"`
}

type manifestFile struct {
	Tools []manifestEntry `toml:"tool"`
}

// ApplyManifest overlays policy from a TOML manifest onto registered tools.
// Entries for unregistered ids are an error, catching typos at startup.
// Disabled tools are removed from the registry.
func ApplyManifest(registry *Registry, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading tool manifest: %w", err)
	}

	var mf manifestFile
	if err := toml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("parsing tool manifest: %w", err)
	}

	for _, entry := range mf.Tools {
		def, ok := registry.Get(entry.ID)
		if !ok {
			return fmt.Errorf("tool manifest references unknown tool %q", entry.ID)
		}
		if entry.Disabled {
			registry.remove(entry.ID)
			continue
		}
		if entry.RequiredRoles != nil {
			def.RequiredRoles = entry.RequiredRoles
		}
		if entry.RateLimit.PerMinute > 0 || entry.RateLimit.PerHour > 0 {
			def.RateLimit = entry.RateLimit
		}
		if entry.Timeout != "" {
			d, err := time.ParseDuration(entry.Timeout)
			if err != nil {
				return fmt.Errorf("tool %s: bad timeout %q: %w", entry.ID, entry.Timeout, err)
			}
			def.Timeout = d
		}
	}
	return nil
}

// remove deletes a tool from the registry.
func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, id)
	r.logger.Info("tool disabled by manifest", "id", id)
}
