// ABOUTME: Connection gateway serving the websocket client protocol
// ABOUTME: Owns the HTTP server, health endpoints, and graceful drain lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/config"
	"github.com/strandlabs/strand/internal/dedupe"
	"github.com/strandlabs/strand/internal/instruction"
	"github.com/strandlabs/strand/internal/metrics"
	"github.com/strandlabs/strand/internal/orchestrator"
	"github.com/strandlabs/strand/internal/recorder"
	"github.com/strandlabs/strand/internal/router"
	"github.com/strandlabs/strand/internal/session"
	"github.com/strandlabs/strand/internal/store"
	"github.com/strandlabs/strand/internal/stream"
)

const (
	// authDeadline bounds how long a fresh connection may wait before
	// sending its auth envelope.
	authDeadline = 10 * time.Second

	// dedupeTTL is how long a client envelope id is remembered.
	dedupeTTL = 5 * time.Minute

	dedupeMaxSize   = 100_000
	shutdownTimeout = 5 * time.Second
)

// Deps bundles the collaborators the gateway dispatches into.
type Deps struct {
	Config       *config.Config
	Verifier     *auth.JWTVerifier
	Sessions     *session.Manager
	Router       *router.Router
	Instructions *instruction.Processor
	Orchestrator *orchestrator.Orchestrator
	Streams      *stream.Processor
	Recorder     *recorder.Recorder
	Store        store.Store
	Metrics      *metrics.Registry
	Logger       *slog.Logger
}

// Gateway accepts websocket connections, authenticates them, and runs the
// per-connection read loop that feeds the router.
type Gateway struct {
	cfg          *config.Config
	verifier     *auth.JWTVerifier
	sessions     *session.Manager
	router       *router.Router
	instructions *instruction.Processor
	orchestrator *orchestrator.Orchestrator
	streams      *stream.Processor
	recorder     *recorder.Recorder
	store        store.Store
	dedupe       *dedupe.Cache
	metrics      *metrics.Registry
	httpServer   *http.Server
	logger       *slog.Logger
}

// New wires a gateway from its collaborators.
func New(deps Deps) *Gateway {
	g := &Gateway{
		cfg:          deps.Config,
		verifier:     deps.Verifier,
		sessions:     deps.Sessions,
		router:       deps.Router,
		instructions: deps.Instructions,
		orchestrator: deps.Orchestrator,
		streams:      deps.Streams,
		recorder:     deps.Recorder,
		store:        deps.Store,
		dedupe:       dedupe.New(dedupeTTL, dedupeMaxSize),
		metrics:      deps.Metrics,
		logger:       deps.Logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	g.httpServer = &http.Server{
		Addr:              deps.Config.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return g
}

// Run serves until the context is cancelled, then drains and shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.Server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context cancelled, draining sessions")
	case serveErr = <-errCh:
		g.logger.Error("server failed", "error", serveErr)
	}

	shutdownErr := g.shutdown()
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// shutdown drains open sessions, stops the HTTP server, and releases
// gateway-owned resources. Uses a fresh context because the run context is
// already cancelled by the time we get here.
func (g *Gateway) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	g.sessions.DrainAll()
	err := g.httpServer.Shutdown(ctx)
	g.sessions.Close()
	g.dedupe.Close()
	if err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// handleWS upgrades the connection and hands it to the connection loop.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := g.sessions.Accept()
	if err != nil {
		g.logger.Warn("connection rejected", "error", err)
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin enforcement is a proxy concern
	})
	if err != nil {
		g.sessions.Remove(sess.ID)
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}

	// Blocks for the lifetime of the connection; the request context stays
	// valid until the handler returns.
	newConn(g, sess, ws).run(r.Context())
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.sessions.Count())
}
