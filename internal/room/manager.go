package room

import (
	"log/slog"
	"sync"
	"time"
)

// SessionManager tracks the one active session per connection.
type SessionManager struct {
	mu     sync.RWMutex
	byConn map[Conn]*Session
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{byConn: make(map[Conn]*Session)}
}

// Register binds a new session to conn. A session already bound to the
// connection is stopped and replaced, so a second join on the same
// transport behaves as leave-then-join.
func (m *SessionManager) Register(conn Conn, peerID, userName, roomCode string, now time.Time) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.byConn[conn]; ok {
		old.Stop()
		slog.Debug("session replaced", "peer_id", old.PeerID, "room", old.RoomCode)
	}
	s := NewSession(conn, peerID, userName, roomCode, now)
	m.byConn[conn] = s
	return s
}

// Unregister removes and stops the session bound to conn, returning it, or
// nil when the connection had no session. Unknown connections are a no-op.
func (m *SessionManager) Unregister(conn Conn) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byConn[conn]
	if !ok {
		return nil
	}
	delete(m.byConn, conn)
	s.Stop()
	return s
}

// Lookup returns the session bound to conn, or nil.
func (m *SessionManager) Lookup(conn Conn) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byConn[conn]
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byConn)
}
