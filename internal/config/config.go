// ABOUTME: Configuration loading and parsing for strand-server
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete strand-server configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    DatabaseConfig    `yaml:"database"`
	Limits      LimitsConfig      `yaml:"limits"`
	Context     ContextConfig     `yaml:"context"`
	Backends    []BackendConfig   `yaml:"backends"`
	Tools       ToolsConfig       `yaml:"tools"`
	Instruction InstructionConfig `yaml:"instruction"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// RenderMarkdown switches assistant output to rendered HTML.
	RenderMarkdown bool `yaml:"render_markdown"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LimitsConfig holds concurrency ceilings and abuse guards
type LimitsConfig struct {
	MaxConnections     int `yaml:"max_connections"`
	MaxConcurrentTurns int `yaml:"max_concurrent_turns"`
	ToolFanout         int `yaml:"tool_fanout"`
	// MalformedStrikes closes a connection after this many malformed
	// envelopes inside MalformedWindow.
	MalformedStrikes   int           `yaml:"malformed_strikes"`
	MalformedWindow    time.Duration `yaml:"-"`
	MalformedWindowRaw string        `yaml:"malformed_window"`
}

// ContextConfig holds context window assembly parameters.
// The weighting and decay constants are deliberately configuration, not code.
type ContextConfig struct {
	TokenBudget    int     `yaml:"token_budget"`
	RecentTurns    int     `yaml:"recent_turns"`
	RetrievalTopK  int     `yaml:"retrieval_top_k"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	RecencyWeight  float64 `yaml:"recency_weight"`
	// RecencyDecay is the exponential decay base applied per 24h of item age.
	RecencyDecay float64 `yaml:"recency_decay"`
}

// BackendConfig declares one response-generation backend.
type BackendConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"` // "anthropic", "openai", "mock"
	Model    string `yaml:"model"`
	Tier     string `yaml:"tier"` // "chat", "analysis"
	APIKey   string `yaml:"api_key"`
}

// ToolsConfig holds the tool manifest location and defaults
type ToolsConfig struct {
	ManifestPath      string        `yaml:"manifest_path"`
	DefaultTimeout    time.Duration `yaml:"-"`
	DefaultTimeoutRaw string        `yaml:"default_timeout"`
}

// InstructionConfig holds slash-command processing settings
type InstructionConfig struct {
	ConfirmTTL    time.Duration `yaml:"-"`
	ConfirmTTLRaw string        `yaml:"confirm_ttl"`
}

// TimeoutsConfig holds timeouts for every external boundary
type TimeoutsConfig struct {
	MemoryQuery    time.Duration `yaml:"-"`
	ToolCall       time.Duration `yaml:"-"`
	BackendCall    time.Duration `yaml:"-"`
	MemoryQueryRaw string        `yaml:"memory_query"`
	ToolCallRaw    string        `yaml:"tool_call"`
	BackendCallRaw string        `yaml:"backend_call"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes, applying defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero values with serviceable defaults.
func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8750"
	}
	if c.Limits.MaxConnections == 0 {
		c.Limits.MaxConnections = 1024
	}
	if c.Limits.MaxConcurrentTurns == 0 {
		c.Limits.MaxConcurrentTurns = 256
	}
	if c.Limits.ToolFanout == 0 {
		c.Limits.ToolFanout = 4
	}
	if c.Limits.MalformedStrikes == 0 {
		c.Limits.MalformedStrikes = 5
	}
	if c.Limits.MalformedWindow == 0 {
		c.Limits.MalformedWindow = time.Minute
	}
	if c.Context.TokenBudget == 0 {
		c.Context.TokenBudget = 4096
	}
	if c.Context.RecentTurns == 0 {
		c.Context.RecentTurns = 20
	}
	if c.Context.RetrievalTopK == 0 {
		c.Context.RetrievalTopK = 10
	}
	if c.Context.KeywordWeight == 0 {
		c.Context.KeywordWeight = 0.5
	}
	if c.Context.SemanticWeight == 0 {
		c.Context.SemanticWeight = 0.3
	}
	if c.Context.RecencyWeight == 0 {
		c.Context.RecencyWeight = 0.2
	}
	if c.Context.RecencyDecay == 0 {
		c.Context.RecencyDecay = 0.9
	}
	if c.Tools.DefaultTimeout == 0 {
		c.Tools.DefaultTimeout = 30 * time.Second
	}
	if c.Instruction.ConfirmTTL == 0 {
		c.Instruction.ConfirmTTL = 45 * time.Second
	}
	if c.Timeouts.MemoryQuery == 0 {
		c.Timeouts.MemoryQuery = 2 * time.Second
	}
	if c.Timeouts.ToolCall == 0 {
		c.Timeouts.ToolCall = 30 * time.Second
	}
	if c.Timeouts.BackendCall == 0 {
		c.Timeouts.BackendCall = 120 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d].id is required", i)
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
		switch b.Provider {
		case "anthropic", "openai", "mock":
		default:
			return fmt.Errorf("backends[%d].provider %q is not supported", i, b.Provider)
		}
		if b.Tier == "" {
			return fmt.Errorf("backends[%d].tier is required", i)
		}
	}
	total := c.Context.KeywordWeight + c.Context.SemanticWeight + c.Context.RecencyWeight
	if total <= 0 {
		return fmt.Errorf("context weights must sum to a positive value")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Limits.MalformedWindowRaw, &cfg.Limits.MalformedWindow, "limits.malformed_window"},
		{cfg.Tools.DefaultTimeoutRaw, &cfg.Tools.DefaultTimeout, "tools.default_timeout"},
		{cfg.Instruction.ConfirmTTLRaw, &cfg.Instruction.ConfirmTTL, "instruction.confirm_ttl"},
		{cfg.Timeouts.MemoryQueryRaw, &cfg.Timeouts.MemoryQuery, "timeouts.memory_query"},
		{cfg.Timeouts.ToolCallRaw, &cfg.Timeouts.ToolCall, "timeouts.tool_call"},
		{cfg.Timeouts.BackendCallRaw, &cfg.Timeouts.BackendCall, "timeouts.backend_call"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
