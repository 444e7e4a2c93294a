// ABOUTME: Represents one authenticated client connection and its outbound queue
// ABOUTME: Tracks connection state and in-flight turns with their cancel handles

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/envelope"
)

// outboundBufferSize is the per-session outbound channel buffer.
const outboundBufferSize = 64

// Connection lifecycle states.
type State int

const (
	StateConnecting State = iota // accepted, awaiting auth envelope
	StateOpen                    // authenticated, envelopes flowing
	StateDraining                // no new turns, in-flight turns finishing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

var (
	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotAuthenticated is returned for operations requiring an open session.
	ErrNotAuthenticated = errors.New("session not authenticated")

	// ErrTooManyTurns is returned when the per-session concurrent turn ceiling is hit.
	ErrTooManyTurns = errors.New("too many concurrent turns")

	// ErrDuplicateTurn is returned when a correlation id is already in flight.
	ErrDuplicateTurn = errors.New("turn already in flight")

	// ErrDraining is returned for new turns while the session winds down.
	ErrDraining = errors.New("session draining")
)

// CancelFunc aborts an in-flight turn.
type CancelFunc func()

// Session is one client connection. A single writer goroutine owns the
// outbound channel; everything else enqueues through Send.
type Session struct {
	ID          string
	ConnectedAt time.Time

	mu       sync.RWMutex
	state    State
	identity *auth.Identity
	turns    map[string]CancelFunc // correlation id -> cancel
	maxTurns int
	outbound chan *envelope.Envelope
	logger   *slog.Logger
}

// New creates a session in the connecting state.
func New(id string, maxTurns int, logger *slog.Logger) *Session {
	return &Session{
		ID:          id,
		ConnectedAt: time.Now(),
		state:       StateConnecting,
		turns:       make(map[string]CancelFunc),
		maxTurns:    maxTurns,
		outbound:    make(chan *envelope.Envelope, outboundBufferSize),
		logger:      logger.With("component", "session", "session_id", id),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Identity returns the authenticated identity, or nil before auth.
func (s *Session) Identity() *auth.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Open transitions connecting -> open once the auth envelope verifies.
func (s *Session) Open(identity *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return ErrSessionClosed
	}
	s.state = StateOpen
	s.identity = identity
	return nil
}

// Send enqueues an envelope for the writer goroutine. Non-blocking: if the
// outbound buffer is full the envelope is dropped with a warning, so a slow
// client cannot stall a turn. The state check and the channel send happen
// under the same lock Close holds while closing the channel, so a Send
// racing a disconnect returns ErrSessionClosed instead of panicking.
func (s *Session) Send(env *envelope.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	select {
	case s.outbound <- env:
		return nil
	default:
		s.logger.Warn("outbound buffer full, dropping envelope",
			"type", env.Type,
			"correlation_id", env.CorrelationID)
		return nil
	}
}

// Outbound is the channel the writer goroutine drains.
func (s *Session) Outbound() <-chan *envelope.Envelope {
	return s.outbound
}

// BeginTurn registers an in-flight turn and its cancel handle. Fails when the
// session is not open, the correlation id is already in flight, or the
// concurrent-turn ceiling is reached.
func (s *Session) BeginTurn(correlationID string, cancel CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpen:
	case StateConnecting:
		return ErrNotAuthenticated
	case StateDraining:
		return ErrDraining
	default:
		return ErrSessionClosed
	}
	if _, exists := s.turns[correlationID]; exists {
		return ErrDuplicateTurn
	}
	if s.maxTurns > 0 && len(s.turns) >= s.maxTurns {
		return ErrTooManyTurns
	}
	s.turns[correlationID] = cancel
	return nil
}

// EndTurn removes a completed turn. Unknown ids are ignored.
func (s *Session) EndTurn(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, correlationID)
}

// CancelTurn aborts one in-flight turn. Reports whether the id was known.
func (s *Session) CancelTurn(correlationID string) bool {
	s.mu.Lock()
	cancel, ok := s.turns[correlationID]
	delete(s.turns, correlationID)
	s.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// ActiveTurns reports the number of in-flight turns.
func (s *Session) ActiveTurns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Drain stops accepting new turns while in-flight turns finish.
func (s *Session) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen || s.state == StateConnecting {
		s.state = StateDraining
	}
}

// Close cancels all in-flight turns and closes the outbound channel.
// Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	cancels := make([]CancelFunc, 0, len(s.turns))
	for _, cancel := range s.turns {
		cancels = append(cancels, cancel)
	}
	s.turns = make(map[string]CancelFunc)
	close(s.outbound)
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
