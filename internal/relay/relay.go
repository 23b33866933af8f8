// Package relay dispatches inbound client messages to room operations and
// broadcasts the results to room members. The server itself participates in
// every room as a replica-holding peer, so joining clients bootstrap from
// its document state instead of negotiating with each other.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kolabio/kolab/internal/clock"
	"github.com/kolabio/kolab/internal/protocol"
	"github.com/kolabio/kolab/internal/room"
	"github.com/kolabio/kolab/internal/roomcode"
)

const directWriteTimeout = 10 * time.Second

// Relay routes messages between connections, the session manager, and the
// room registry. One mutex serializes message handling, so no two
// operations on the same room ever interleave.
type Relay struct {
	mu           sync.Mutex
	registry     *room.Registry
	sessions     *room.SessionManager
	clk          clock.Clock
	serverPeerID string
	maxRooms     int
}

// New creates a relay. maxRooms caps concurrent rooms; joins that would
// create a room beyond the cap are rejected.
func New(registry *room.Registry, sessions *room.SessionManager, clk clock.Clock, maxRooms int) *Relay {
	return &Relay{
		registry:     registry,
		sessions:     sessions,
		clk:          clk,
		serverPeerID: "server-" + uuid.NewString()[:8],
		maxRooms:     maxRooms,
	}
}

// ServerPeerID returns the identity the server uses as a room participant.
func (r *Relay) ServerPeerID() string { return r.serverPeerID }

// HandleMessage processes one inbound frame. Malformed frames and unknown
// message types are ignored without affecting the connection.
func (r *Relay) HandleMessage(conn room.Conn, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		slog.Debug("ignoring malformed message", "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch msg.Type {
	case protocol.TypeJoin:
		r.handleJoin(conn, msg)
	case protocol.TypeLeave:
		r.removeFromRoom(conn)
	case protocol.TypeCRDTUpdate:
		r.handleUpdate(conn, msg)
	case protocol.TypeCursorUpdate:
		r.handleCursor(conn, msg)
	case protocol.TypePing:
		r.writeDirect(conn, &protocol.Message{
			Type:      protocol.TypePong,
			Timestamp: protocol.Millis(r.clk.Now()),
		})
	default:
		slog.Debug("ignoring unknown message type", "type", msg.Type)
	}
}

// HandleDisconnect removes whatever session the connection held. Safe to
// call for connections that never joined.
func (r *Relay) HandleDisconnect(conn room.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeFromRoom(conn)
}

func (r *Relay) handleJoin(conn room.Conn, msg *protocol.Message) {
	code := roomcode.Sanitize(msg.RoomCode)
	if !roomcode.Validate(code) || msg.PeerID == "" {
		slog.Debug("ignoring join with unusable identity", "room", msg.RoomCode, "peer_id", msg.PeerID)
		return
	}
	userName := msg.UserName
	if userName == "" {
		userName = "Anonymous"
	}

	// A second join on the same connection is leave-then-join.
	r.removeFromRoom(conn)

	if r.registry.Get(code) == nil && r.registry.Len() >= r.maxRooms {
		slog.Warn("room limit reached, rejecting join", "room", code, "max_rooms", r.maxRooms)
		r.writeDirect(conn, &protocol.Message{
			Type:    protocol.TypeError,
			Code:    protocol.ErrCodeRoomLimit,
			Message: "room limit reached",
		})
		return
	}

	now := r.clk.Now()
	rm := r.registry.GetOrCreate(code)
	sess := r.sessions.Register(conn, msg.PeerID, userName, code, now)

	existing := make([]protocol.PeerInfo, 0, rm.PeerCount())
	for _, p := range rm.Peers() {
		if p.PeerID != msg.PeerID {
			existing = append(existing, protocol.PeerInfo{PeerID: p.PeerID, UserName: p.UserName})
		}
	}
	rm.AddPeer(sess, now)

	sess.Send(encode(&protocol.Message{
		Type:          protocol.TypeJoined,
		PeerID:        msg.PeerID,
		RoomCode:      code,
		ServerPeerID:  r.serverPeerID,
		DocumentState: rm.DocumentState(),
		ExistingPeers: existing,
	}))

	rm.Broadcast(encode(&protocol.Message{
		Type:     protocol.TypePeerJoined,
		PeerID:   msg.PeerID,
		UserName: userName,
	}), msg.PeerID)

	slog.Info("peer joined", "room", code, "peer_id", msg.PeerID, "user_name", userName, "peers", rm.PeerCount())
}

// removeFromRoom is the shared path for leave, disconnect, and the
// implicit leave before a re-join.
func (r *Relay) removeFromRoom(conn room.Conn) {
	sess := r.sessions.Unregister(conn)
	if sess == nil {
		return
	}

	rm := r.registry.Get(sess.RoomCode)
	if rm == nil {
		return
	}

	rm.RemovePeer(sess.PeerID, r.clk.Now())
	rm.Broadcast(encode(&protocol.Message{
		Type:   protocol.TypePeerLeft,
		PeerID: sess.PeerID,
	}), sess.PeerID)

	slog.Info("peer left", "room", sess.RoomCode, "peer_id", sess.PeerID, "peers", rm.PeerCount())

	if rm.PeerCount() == 0 {
		r.registry.ScheduleRemoval(sess.RoomCode)
	}
}

func (r *Relay) handleUpdate(conn room.Conn, msg *protocol.Message) {
	sess := r.sessions.Lookup(conn)
	if sess == nil {
		return
	}
	rm := r.registry.Get(sess.RoomCode)
	if rm == nil {
		return
	}

	// Remote-origin apply: the update is merged, never re-emitted by the
	// replica. Corrupt updates are dropped without disturbing the room.
	if err := rm.ApplyUpdate(msg.Update, r.clk.Now()); err != nil {
		slog.Debug("dropping unapplicable update", "room", sess.RoomCode, "peer_id", sess.PeerID, "error", err)
		return
	}

	rm.Broadcast(encode(&protocol.Message{
		Type:     protocol.TypeCRDTUpdate,
		Update:   msg.Update,
		FromPeer: sess.PeerID,
	}), sess.PeerID)
}

// handleCursor relays cursor state without persisting it.
func (r *Relay) handleCursor(conn room.Conn, msg *protocol.Message) {
	sess := r.sessions.Lookup(conn)
	if sess == nil {
		return
	}
	rm := r.registry.Get(sess.RoomCode)
	if rm == nil {
		return
	}

	rm.Broadcast(encode(&protocol.Message{
		Type:      protocol.TypeCursorUpdate,
		PeerID:    sess.PeerID,
		Position:  msg.Position,
		Selection: msg.Selection,
		Timestamp: protocol.Millis(r.clk.Now()),
	}), sess.PeerID)
}

// writeDirect sends to a connection that may not have a session yet (pings
// and join rejections). Failures are swallowed.
func (r *Relay) writeDirect(conn room.Conn, msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), directWriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, encode(msg)); err != nil {
		slog.Debug("direct write failed", "type", msg.Type, "error", err)
	}
}

func encode(msg *protocol.Message) []byte {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("failed to encode outbound message", "type", msg.Type, "error", err)
		return nil
	}
	return data
}
