// ABOUTME: Tests for session lifecycle, turn tracking, and the manager registry
// ABOUTME: Covers the connection ceiling, typing TTL, and close semantics

package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/internal/auth"
	"github.com/strandlabs/strand/internal/envelope"
	"github.com/strandlabs/strand/internal/metrics"
)

func testSession(t *testing.T, maxTurns int) *Session {
	t.Helper()
	return New("sess-1", maxTurns, slog.Default())
}

func openSession(t *testing.T, maxTurns int) *Session {
	t.Helper()
	s := testSession(t, maxTurns)
	require.NoError(t, s.Open(&auth.Identity{UserID: "user-1", TenantID: "tenant-1"}))
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := testSession(t, 0)
	assert.Equal(t, StateConnecting, s.State())
	assert.Nil(t, s.Identity())

	require.NoError(t, s.Open(&auth.Identity{UserID: "user-1"}))
	assert.Equal(t, StateOpen, s.State())
	assert.Equal(t, "user-1", s.Identity().UserID)

	s.Drain()
	assert.Equal(t, StateDraining, s.State())

	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionOpenTwiceFails(t *testing.T) {
	s := openSession(t, 0)
	err := s.Open(&auth.Identity{UserID: "user-2"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestBeginTurnRequiresAuth(t *testing.T) {
	s := testSession(t, 0)
	err := s.BeginTurn("corr-1", func() {})
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestBeginTurnCeiling(t *testing.T) {
	s := openSession(t, 2)
	require.NoError(t, s.BeginTurn("corr-1", func() {}))
	require.NoError(t, s.BeginTurn("corr-2", func() {}))

	err := s.BeginTurn("corr-3", func() {})
	assert.ErrorIs(t, err, ErrTooManyTurns)

	s.EndTurn("corr-1")
	assert.NoError(t, s.BeginTurn("corr-3", func() {}))
}

func TestBeginTurnDuplicateCorrelation(t *testing.T) {
	s := openSession(t, 0)
	require.NoError(t, s.BeginTurn("corr-1", func() {}))
	err := s.BeginTurn("corr-1", func() {})
	assert.ErrorIs(t, err, ErrDuplicateTurn)
}

func TestCancelTurnFiresCancel(t *testing.T) {
	s := openSession(t, 0)
	var cancelled atomic.Bool
	require.NoError(t, s.BeginTurn("corr-1", func() { cancelled.Store(true) }))

	assert.True(t, s.CancelTurn("corr-1"))
	assert.True(t, cancelled.Load())
	assert.Equal(t, 0, s.ActiveTurns())

	// Unknown correlation id
	assert.False(t, s.CancelTurn("corr-404"))
}

func TestCloseCancelsInFlightTurns(t *testing.T) {
	s := openSession(t, 0)
	var cancels atomic.Int32
	require.NoError(t, s.BeginTurn("corr-1", func() { cancels.Add(1) }))
	require.NoError(t, s.BeginTurn("corr-2", func() { cancels.Add(1) }))

	s.Close()
	assert.Equal(t, int32(2), cancels.Load())

	// Close is idempotent
	s.Close()
	assert.Equal(t, int32(2), cancels.Load())
}

func TestSendAfterClose(t *testing.T) {
	s := openSession(t, 0)
	s.Close()
	err := s.Send(envelope.New(envelope.TypeAck, "corr-1"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSendRacesCloseWithoutPanic(t *testing.T) {
	// Senders hammering the outbound buffer while the connection tears down
	// must see ErrSessionClosed, never a send on a closed channel.
	for i := 0; i < 50; i++ {
		s := openSession(t, 0)
		var wg sync.WaitGroup
		for j := 0; j < 8; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 20; k++ {
					if err := s.Send(envelope.New(envelope.TypeAck, "corr-1")); err != nil {
						assert.ErrorIs(t, err, ErrSessionClosed)
						return
					}
				}
			}()
		}
		s.Close()
		wg.Wait()
	}
}

func TestBeginTurnWhileDraining(t *testing.T) {
	s := openSession(t, 0)
	s.Drain()
	err := s.BeginTurn("corr-1", func() {})
	assert.ErrorIs(t, err, ErrDraining)
	assert.NotErrorIs(t, err, ErrSessionClosed)
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	s := openSession(t, 0)
	for i := 0; i < outboundBufferSize+5; i++ {
		require.NoError(t, s.Send(envelope.New(envelope.TypeAck, "corr-1")))
	}
	assert.Len(t, s.outbound, outboundBufferSize)
}

func TestManagerConnectionCeiling(t *testing.T) {
	m := NewManager(2, 0, metrics.NewRegistry(), slog.Default())

	s1, err := m.Accept()
	require.NoError(t, err)
	_, err = m.Accept()
	require.NoError(t, err)

	_, err = m.Accept()
	assert.ErrorIs(t, err, ErrServerBusy)

	m.Remove(s1.ID)
	_, err = m.Accept()
	assert.NoError(t, err)
	assert.Equal(t, 2, m.Count())
}

func TestManagerRemoveClosesSession(t *testing.T) {
	m := NewManager(0, 0, metrics.NewRegistry(), slog.Default())
	s, err := m.Accept()
	require.NoError(t, err)

	m.Remove(s.ID)
	assert.Equal(t, StateClosed, s.State())
	_, ok := m.Get(s.ID)
	assert.False(t, ok)
}

func TestManagerTyping(t *testing.T) {
	m := NewManager(0, 0, metrics.NewRegistry(), slog.Default())

	m.SetTyping("conv-1", "user-1", true)
	m.SetTyping("conv-1", "user-2", true)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, m.TypingUsers("conv-1"))

	m.SetTyping("conv-1", "user-1", false)
	assert.Equal(t, []string{"user-2"}, m.TypingUsers("conv-1"))

	assert.Empty(t, m.TypingUsers("conv-other"))
}

func TestManagerPresence(t *testing.T) {
	m := NewManager(0, 0, metrics.NewRegistry(), slog.Default())

	assert.Equal(t, "offline", m.Presence("user-1"))
	m.SetPresence("user-1", "online")
	assert.Equal(t, "online", m.Presence("user-1"))
	m.SetPresence("user-1", "offline")
	assert.Equal(t, "offline", m.Presence("user-1"))
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager(0, 0, metrics.NewRegistry(), slog.Default())
	s1, _ := m.Accept()
	s2, _ := m.Accept()

	m.Close()
	assert.Equal(t, StateClosed, s1.State())
	assert.Equal(t, StateClosed, s2.State())
	assert.Equal(t, 0, m.Count())
}
