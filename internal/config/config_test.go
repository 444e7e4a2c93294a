// ABOUTME: Tests for configuration parsing, defaults, and validation
// ABOUTME: Covers env expansion, duration parsing, and backend declarations

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
database:
  path: /tmp/strand.db
backends:
  - id: chat-default
    provider: mock
    tier: chat
`

func TestParse_Minimal_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8750", cfg.Server.Addr)
	assert.Equal(t, 1024, cfg.Limits.MaxConnections)
	assert.Equal(t, 4, cfg.Limits.ToolFanout)
	assert.Equal(t, 4096, cfg.Context.TokenBudget)
	assert.Equal(t, 0.5, cfg.Context.KeywordWeight)
	assert.Equal(t, 0.9, cfg.Context.RecencyDecay)
	assert.Equal(t, 45*time.Second, cfg.Instruction.ConfirmTTL)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.MemoryQuery)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParse_Durations(t *testing.T) {
	yaml := minimalYAML + `
timeouts:
  memory_query: 500ms
  tool_call: 10s
  backend_call: 1m
instruction:
  confirm_ttl: 30s
`
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.MemoryQuery)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.ToolCall)
	assert.Equal(t, time.Minute, cfg.Timeouts.BackendCall)
	assert.Equal(t, 30*time.Second, cfg.Instruction.ConfirmTTL)
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "\ntimeouts:\n  tool_call: nonsense\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool_call")
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("STRAND_TEST_SECRET", "sekrit")

	yaml := minimalYAML + "\nauth:\n  jwt_secret: ${STRAND_TEST_SECRET}\n"
	cfg, err := Parse([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing database path",
			yaml: "backends:\n  - id: b\n    provider: mock\n    tier: chat\n",
			want: "database.path",
		},
		{
			name: "no backends",
			yaml: "database:\n  path: /tmp/x.db\n",
			want: "backend",
		},
		{
			name: "duplicate backend id",
			yaml: "database:\n  path: /tmp/x.db\nbackends:\n  - {id: b, provider: mock, tier: chat}\n  - {id: b, provider: mock, tier: analysis}\n",
			want: "duplicate backend",
		},
		{
			name: "unknown provider",
			yaml: "database:\n  path: /tmp/x.db\nbackends:\n  - {id: b, provider: quantum, tier: chat}\n",
			want: "provider",
		},
		{
			name: "missing tier",
			yaml: "database:\n  path: /tmp/x.db\nbackends:\n  - {id: b, provider: mock}\n",
			want: "tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/strand.db", cfg.Database.Path)
	assert.Len(t, cfg.Backends, 1)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
