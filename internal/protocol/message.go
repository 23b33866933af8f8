// Package protocol defines the JSON wire messages exchanged between clients
// and the server peer. Every message carries a "type" discriminant; unknown
// types are ignored by both sides.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client to server message types.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeCRDTUpdate   = "crdt-update"
	TypeCursorUpdate = "cursor-update"
	TypePing         = "ping"
)

// Server to client message types.
const (
	TypeJoined     = "joined"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypePong       = "pong"
	TypeError      = "error"
)

// Error codes carried by TypeError messages.
const (
	ErrCodeRoomLimit = "room-limit"
)

// PeerInfo identifies a participant in a room.
type PeerInfo struct {
	PeerID   string `json:"peerId"`
	UserName string `json:"userName"`
}

// Message is the wire envelope. Fields are populated per message type; the
// zero value of every field is omitted so each type serializes to exactly
// the fields it uses. Position and Selection are relayed opaquely.
type Message struct {
	Type string `json:"type"`

	RoomCode string `json:"roomCode,omitempty"`
	PeerID   string `json:"peerId,omitempty"`
	UserName string `json:"userName,omitempty"`

	Update    ByteSlice       `json:"update,omitempty"`
	FromPeer  string          `json:"fromPeer,omitempty"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`

	ServerPeerID  string     `json:"serverPeerId,omitempty"`
	DocumentState ByteSlice  `json:"documentState,omitempty"`
	ExistingPeers []PeerInfo `json:"existingPeers,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Decode parses a wire frame. A nil error does not imply a known type;
// callers dispatch on msg.Type and ignore unknown values.
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	return &msg, nil
}

// Encode serializes a message for the wire.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return data, nil
}

// Millis converts a time to the Unix-millisecond timestamps used on the wire.
func Millis(t time.Time) int64 { return t.UnixMilli() }
