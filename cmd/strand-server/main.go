// ABOUTME: Entry point for the strand conversation server
// ABOUTME: Wires the store, backends, tool registry, and gateway, then serves

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/backend"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/gateway"
	"github.com/strandlabs/strand/internal/instruction"
	"github.com/strandlabs/strand/internal/integrator"
	"github.com/strandlabs/strand/internal/locks"
	"github.com/strandlabs/strand/internal/memory"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/orchestrator"
	"github.com/strandlabs/strand/internal/recorder"
	"github.com/strandlabs/strand/internal/router"
	"github.com/strandlabs/strand/internal/session"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/internal/stream"
	"github.com/strandlabs/strand/internal/tools"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _                       _
  ___| |_ _ __ __ _ _ __   __| |
 / __| __| '__/ _' | '_ \ / _' |
 \__ \ |_| | | (_| | | | | (_| |
 |___/\__|_|  \__,_|_| |_|\__,_|
`

// configPath resolves the server config file location.
// Priority: STRAND_CONFIG env > XDG_CONFIG_HOME/strand/strand.yaml >
// ~/.config/strand/strand.yaml.
func configPath() string {
	if envPath := os.Getenv("STRAND_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "strand.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "strand", "strand.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "version":
		fmt.Println(version)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprintln(os.Stderr, "Commands: serve (default), version, health, token")
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	path := configPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", path)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Backends: %d\n", len(cfg.Backends))
	fmt.Println()

	logger.Info("starting strand-server",
		"config", path,
		"addr", cfg.Server.Addr,
		"backends", len(cfg.Backends),
	)

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	backends, err := backend.NewRegistryFromConfig(cfg.Backends, logger)
	if err != nil {
		return fmt.Errorf("building backend registry: %w", err)
	}

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(registry, s); err != nil {
		return fmt.Errorf("registering builtin tools: %w", err)
	}
	if cfg.Tools.ManifestPath != "" {
		if err := tools.ApplyManifest(registry, cfg.Tools.ManifestPath); err != nil {
			return fmt.Errorf("applying tool manifest: %w", err)
		}
	}

	reg := metrics.NewRegistry()
	keyed := locks.NewKeyed()

	mem := memory.NewTieredGateway(
		logger,
		memory.NewInMemoryGateway(),
		memory.NewStoreGateway(s, logger),
		memory.NewFactGateway(s, logger),
	)
	integ := integrator.New(s, mem, cfg.Context, cfg.Timeouts.MemoryQuery, logger)
	toolGW := tools.NewGateway(registry, cfg.Timeouts.ToolCall, reg, logger)
	orch := orchestrator.New(backends, toolGW, integ, keyed,
		cfg.Limits.ToolFanout, cfg.Timeouts.BackendCall, cfg.Server.RenderMarkdown, reg, logger)

	gw := gateway.New(gateway.Deps{
		Config:       cfg,
		Verifier:     verifier,
		Sessions:     session.NewManager(cfg.Limits.MaxConnections, cfg.Limits.MaxConcurrentTurns, reg, logger),
		Router:       router.New(reg, logger),
		Instructions: instruction.NewProcessor(s, keyed, cfg.Instruction.ConfirmTTL, reg, logger),
		Orchestrator: orch,
		Streams:      stream.New(reg, logger),
		Recorder:     recorder.New(s, mem, keyed, logger),
		Store:        s,
		Metrics:      reg,
		Logger:       logger,
	})

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

// runToken mints a client JWT from the configured secret. Useful for local
// development: strand-server token <user> <tenant> [role ...]
func runToken(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: strand-server token <user_id> <tenant_id> [role ...]")
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	token, err := verifier.Generate(args[0], args[1], args[2:], 24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
