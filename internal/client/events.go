package client

import (
	"encoding/json"
	"time"
)

// PeerInfo describes a participant visible to this client. The server
// itself appears as a regular peer with IsServer set.
type PeerInfo struct {
	PeerID   string
	UserName string
	IsServer bool
}

// Event is the sealed set of notifications emitted by an Agent. Consumers
// switch on the concrete type; unknown-to-them variants are skipped.
type Event interface{ isEvent() }

// JoinedEvent reports a successful room join, carrying the server's full
// document state and the peers already present.
type JoinedEvent struct {
	RoomCode      string
	PeerID        string
	ServerPeerID  string
	DocumentState []byte
	Peers         []PeerInfo
}

// PeerJoinedEvent reports another peer entering the room.
type PeerJoinedEvent struct {
	PeerID   string
	UserName string
}

// PeerLeftEvent reports a peer leaving the room.
type PeerLeftEvent struct {
	PeerID string
}

// UpdateEvent carries a document update relayed from another peer.
type UpdateEvent struct {
	FromPeer string
	Update   []byte
}

// CursorEvent carries relayed cursor state. Position and Selection are
// opaque to the sync engine.
type CursorEvent struct {
	PeerID    string
	Position  json.RawMessage
	Selection json.RawMessage
	Timestamp int64
}

// DisconnectedEvent reports transport loss. All tracked peers are cleared
// when it fires; a reconnect attempt follows unless the agent is destroyed.
type DisconnectedEvent struct{}

// ReconnectingEvent reports a scheduled reconnect attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// FailedEvent is terminal: reconnect attempts are exhausted and the agent
// will not retry.
type FailedEvent struct {
	Err error
}

func (JoinedEvent) isEvent()       {}
func (PeerJoinedEvent) isEvent()   {}
func (PeerLeftEvent) isEvent()     {}
func (UpdateEvent) isEvent()       {}
func (CursorEvent) isEvent()       {}
func (DisconnectedEvent) isEvent() {}
func (ReconnectingEvent) isEvent() {}
func (FailedEvent) isEvent()       {}
