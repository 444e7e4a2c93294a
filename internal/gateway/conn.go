// ABOUTME: Per-connection lifecycle: auth handshake, read loop, writer drain
// ABOUTME: Malformed envelopes strike an abuse counter before the connection closes

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/router"
	"github.com/strandlabs/strand/internal/session"
)

// conn couples one websocket to its session for the connection's lifetime.
type conn struct {
	gw     *Gateway
	sess   *session.Session
	ws     *websocket.Conn
	logger *slog.Logger

	strikes []time.Time
}

func newConn(g *Gateway, sess *session.Session, ws *websocket.Conn) *conn {
	return &conn{
		gw:     g,
		sess:   sess,
		ws:     ws,
		logger: g.logger.With("session_id", sess.ID),
	}
}

// run drives the connection until the client disconnects or the guardrails
// close it. Blocking: the caller's request context must outlive it.
func (c *conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		if identity := c.sess.Identity(); identity != nil {
			c.gw.sessions.SetPresence(identity.UserID, "offline")
		}
		c.gw.sessions.Remove(c.sess.ID)
		_ = c.ws.CloseNow()
	}()

	writerDone := make(chan struct{})
	go c.writeLoop(ctx, cancel, writerDone)

	if !c.authenticate(ctx) {
		return
	}
	c.gw.metrics.Inc("connections_total", nil)

	c.readLoop(ctx)

	// Closing the session closes the outbound channel, which lets the
	// writer flush whatever is already queued before exiting.
	c.sess.Close()
	<-writerDone
}

// writeLoop is the single writer for this connection. Per-session ordering
// follows from draining one queue with one goroutine.
func (c *conn) writeLoop(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	for env := range c.sess.Outbound() {
		data, err := env.Encode()
		if err != nil {
			c.logger.Error("encoding outbound envelope", "error", err)
			continue
		}
		if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
			c.logger.Debug("write failed, dropping connection", "error", err)
			cancel()
			return
		}
	}
}

// authenticate enforces the auth-first handshake: the very first envelope
// must be a valid auth frame, anything else closes the connection.
func (c *conn) authenticate(ctx context.Context) bool {
	authCtx, cancel := context.WithTimeout(ctx, authDeadline)
	defer cancel()

	_, data, err := c.ws.Read(authCtx)
	if err != nil {
		c.logger.Debug("connection closed before auth", "error", err)
		return false
	}

	env, err := envelope.Decode(data)
	if err != nil || env.Type != envelope.TypeAuth {
		c.rejectAuth(ctx, env, "first envelope must be auth")
		return false
	}

	token := env.Content
	if token == "" {
		if t, ok := env.Metadata["token"].(string); ok {
			token = t
		}
	}
	identity, err := c.gw.verifier.Verify(token)
	if err != nil {
		c.rejectAuth(ctx, env, "invalid token")
		return false
	}

	if err := c.sess.Open(identity); err != nil {
		c.logger.Warn("session not in connecting state", "error", err)
		return false
	}
	c.gw.sessions.SetPresence(identity.UserID, "online")
	c.logger = c.logger.With("user_id", identity.UserID)
	c.logger.Info("session authenticated", "tenant_id", identity.TenantID)

	ack := envelope.NewAck(env)
	ack.Metadata = map[string]any{"session_id": c.sess.ID}
	_ = c.sess.Send(ack)
	return true
}

// rejectAuth writes the authentication error straight to the socket. The
// session never opened, so the outbound queue is not used.
func (c *conn) rejectAuth(ctx context.Context, env *envelope.Envelope, msg string) {
	correlationID := ""
	if env != nil {
		correlationID = env.CorrelationID
	}
	errEnv := envelope.NewError(correlationID,
		envelope.NewTurnError(envelope.KindAuthentication, msg, nil))
	if data, err := errEnv.Encode(); err == nil {
		writeCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = c.ws.Write(writeCtx, websocket.MessageText, data)
		cancel()
	}
	c.gw.metrics.Inc("auth_failures_total", nil)
	_ = c.ws.Close(websocket.StatusPolicyViolation, "authentication failed")
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}

		env, err := envelope.Decode(data)
		if err != nil {
			if c.strike(ctx, err) {
				return
			}
			continue
		}

		if c.gw.dedupe.Seen(env.ID) {
			c.gw.metrics.Inc("envelopes_deduped_total", nil)
			_ = c.sess.Send(envelope.NewAck(env))
			continue
		}

		c.dispatch(ctx, env)
	}
}

// strike records a malformed envelope and reports whether the abuse
// threshold was crossed, in which case the connection is closed.
func (c *conn) strike(ctx context.Context, cause error) bool {
	_ = c.sess.Send(envelope.NewError("",
		envelope.NewTurnError(envelope.KindValidation, cause.Error(), nil)))
	c.gw.metrics.Inc("malformed_envelopes_total", nil)

	limit := c.gw.cfg.Limits.MalformedStrikes
	window := c.gw.cfg.Limits.MalformedWindow
	if limit <= 0 {
		return false
	}

	now := time.Now()
	fresh := c.strikes[:0]
	for _, at := range c.strikes {
		if now.Sub(at) < window {
			fresh = append(fresh, at)
		}
	}
	c.strikes = append(fresh, now)

	if len(c.strikes) >= limit {
		c.logger.Warn("malformed envelope limit reached, closing connection",
			"strikes", len(c.strikes))
		_ = c.ws.Close(websocket.StatusPolicyViolation, "too many malformed envelopes")
		return true
	}
	return false
}

// dispatch handles lightweight envelope types inline and spawns a turn
// goroutine for anything that reaches the router. Blocking work never runs
// on the read loop.
func (c *conn) dispatch(ctx context.Context, env *envelope.Envelope) {
	identity := c.sess.Identity()

	switch env.Type {
	case envelope.TypePing:
		_ = c.sess.Send(envelope.New(envelope.TypePong, env.CorrelationID))
		return

	case envelope.TypeTyping:
		typing := true
		if v, ok := env.Metadata["typing"].(bool); ok {
			typing = v
		}
		c.gw.sessions.SetTyping(env.ConversationID, identity.UserID, typing)
		c.fanOut(env, identity.UserID, identity.TenantID)
		_ = c.sess.Send(envelope.NewAck(env))
		return

	case envelope.TypePresence:
		status := env.Content
		if status == "" {
			status = "online"
		}
		c.gw.sessions.SetPresence(identity.UserID, status)
		c.fanOut(env, identity.UserID, identity.TenantID)
		_ = c.sess.Send(envelope.NewAck(env))
		return

	case envelope.TypeCancel:
		if c.sess.CancelTurn(env.CorrelationID) {
			c.logger.Info("turn cancelled by client", "correlation_id", env.CorrelationID)
		}
		_ = c.sess.Send(envelope.NewAck(env))
		return
	}

	switch c.gw.router.Route(env) {
	case router.DestDiscard:
		c.logger.Debug("discarding envelope", "type", env.Type, "id", env.ID)
		return
	case router.DestInstruction, router.DestOrchestration:
		c.beginTurn(ctx, env)
	}
}

// beginTurn registers the turn against the session ceiling and runs it off
// the read loop. Ceiling rejections surface as retryable rate-limit errors.
func (c *conn) beginTurn(ctx context.Context, env *envelope.Envelope) {
	turnCtx, cancel := context.WithCancel(ctx)
	if err := c.sess.BeginTurn(env.CorrelationID, session.CancelFunc(cancel)); err != nil {
		cancel()
		var te *envelope.TurnError
		switch {
		case errors.Is(err, session.ErrTooManyTurns):
			te = envelope.NewTurnError(envelope.KindRateLimit, "too many concurrent turns", err)
			te.Details = map[string]any{"retry_after_ms": 1000}
		case errors.Is(err, session.ErrDraining):
			te = envelope.NewTurnError(envelope.KindRateLimit, "server draining, retry shortly", err)
			te.Details = map[string]any{"retry_after_ms": 5000}
		case errors.Is(err, session.ErrDuplicateTurn):
			te = envelope.NewTurnError(envelope.KindValidation, "correlation id already in flight", err)
		default:
			te = envelope.NewTurnError(envelope.KindAuthentication, "session not open", err)
		}
		_ = c.sess.Send(envelope.NewError(env.CorrelationID, te))
		return
	}

	_ = c.sess.Send(envelope.NewAck(env))

	go func() {
		defer cancel()
		defer c.sess.EndTurn(env.CorrelationID)
		c.gw.runTurn(turnCtx, c.sess, env)
	}()
}

// fanOut forwards an awareness envelope to the user's tenant peers.
func (c *conn) fanOut(env *envelope.Envelope, fromUser, tenantID string) {
	out := envelope.New(env.Type, env.CorrelationID)
	out.ConversationID = env.ConversationID
	out.Content = env.Content
	out.Metadata = map[string]any{"user_id": fromUser}
	for k, v := range env.Metadata {
		out.Metadata[k] = v
	}

	for _, peer := range c.gw.sessions.Peers(c.sess.ID) {
		identity := peer.Identity()
		if identity == nil || identity.TenantID != tenantID || identity.UserID == fromUser {
			continue
		}
		_ = peer.Send(out)
	}
}
