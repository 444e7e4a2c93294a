// ABOUTME: Registry of live sessions with a connection ceiling for backpressure
// ABOUTME: Tracks typing and presence state shared across a conversation's sessions

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/metrics"
)

// ErrServerBusy is returned when the connection ceiling is reached.
var ErrServerBusy = errors.New("connection limit reached")

// typingTTL bounds how long a typing indicator stays fresh without renewal.
const typingTTL = 10 * time.Second

// Manager owns all live sessions and the cross-session awareness state
// (who is typing, who is present) that gets fanned out to conversation peers.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	typing   map[string]map[string]time.Time // conversation id -> user id -> last typing signal
	presence map[string]string               // user id -> status
	maxConns int
	maxTurns int
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewManager creates a manager with the given connection and per-session
// turn ceilings. Zero ceilings mean unlimited.
func NewManager(maxConns, maxTurns int, reg *metrics.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		typing:   make(map[string]map[string]time.Time),
		presence: make(map[string]string),
		maxConns: maxConns,
		maxTurns: maxTurns,
		metrics:  reg,
		logger:   logger.With("component", "sessions"),
	}
}

// Accept creates and registers a new session, or returns ErrServerBusy when
// the connection ceiling is reached.
func (m *Manager) Accept() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxConns > 0 && len(m.sessions) >= m.maxConns {
		m.metrics.Inc("sessions_rejected_total", nil)
		return nil, ErrServerBusy
	}

	sess := New(uuid.New().String(), m.maxTurns, m.logger)
	m.sessions[sess.ID] = sess
	m.metrics.SetGauge("sessions_open", int64(len(m.sessions)))

	m.logger.Debug("session accepted", "session_id", sess.ID)
	return sess, nil
}

// Remove closes and unregisters a session. Unknown ids are ignored.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.metrics.SetGauge("sessions_open", int64(len(m.sessions)))
	m.mu.Unlock()

	if ok {
		sess.Close()
		m.logger.Debug("session removed", "session_id", id)
	}
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Peers returns every open session except the given one. Used for fanning
// out typing and presence signals.
func (m *Manager) Peers(excludeID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if id == excludeID || sess.State() != StateOpen {
			continue
		}
		peers = append(peers, sess)
	}
	return peers
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SetTyping records that a user is composing in a conversation.
func (m *Manager) SetTyping(conversationID, userID string, typing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.typing[conversationID]
	if !typing {
		if ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(m.typing, conversationID)
			}
		}
		return
	}
	if !ok {
		users = make(map[string]time.Time)
		m.typing[conversationID] = users
	}
	users[userID] = time.Now()
}

// TypingUsers returns users with a fresh typing signal in a conversation.
func (m *Manager) TypingUsers(conversationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-typingTTL)
	var users []string
	for userID, at := range m.typing[conversationID] {
		if at.After(cutoff) {
			users = append(users, userID)
		}
	}
	return users
}

// SetPresence records a user's presence status (e.g. online, away).
func (m *Manager) SetPresence(userID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == "" || status == "offline" {
		delete(m.presence, userID)
		return
	}
	m.presence[userID] = status
}

// Presence returns a user's current status, defaulting to offline.
func (m *Manager) Presence(userID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status, ok := m.presence[userID]; ok {
		return status
	}
	return "offline"
}

// DrainAll moves every session to draining, ahead of shutdown.
func (m *Manager) DrainAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		sess.Drain()
	}
}

// Close closes every session and empties the registry.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}
