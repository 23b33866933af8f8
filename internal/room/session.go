// Package room holds the server-side session, room, and registry state for
// collaboration sessions.
package room

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Conn is the transport a peer session writes to. The production
// implementation wraps a websocket connection; tests substitute fakes.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

const (
	sendQueueSize = 64
	writeTimeout  = 10 * time.Second
)

// Session binds one live connection to a peer identity inside a room.
// Outbound frames go through a bounded queue drained by a single writer
// goroutine, so a slow or dead recipient never stalls message dispatch.
type Session struct {
	PeerID   string
	UserName string
	RoomCode string
	JoinedAt time.Time

	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewSession creates a session and starts its writer.
func NewSession(conn Conn, peerID, userName, roomCode string, joinedAt time.Time) *Session {
	s := &Session{
		PeerID:   peerID,
		UserName: userName,
		RoomCode: roomCode,
		JoinedAt: joinedAt,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Conn returns the transport this session is bound to.
func (s *Session) Conn() Conn { return s.conn }

// Send enqueues a frame for delivery. It never blocks; when the queue is
// full the frame is dropped, which counts as a swallowed send failure.
func (s *Session) Send(data []byte) {
	select {
	case <-s.done:
	case s.send <- data:
	default:
		slog.Debug("outbound queue full, dropping frame", "peer_id", s.PeerID, "room", s.RoomCode)
	}
}

// Stop shuts down the writer goroutine. Idempotent. The connection itself
// is closed by whoever owns the read loop.
func (s *Session) Stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := s.conn.Write(ctx, data); err != nil {
				// Expected when the peer went away mid-broadcast; the
				// read loop will tear the session down.
				slog.Debug("session write failed", "peer_id", s.PeerID, "error", err)
			}
			cancel()
		}
	}
}
