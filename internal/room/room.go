package room

import (
	"sync"
	"time"

	"github.com/kolabio/kolab/internal/crdt"
)

// Room is one isolated collaboration session: a document replica plus the
// set of peer sessions currently editing it.
type Room struct {
	Code string

	mu           sync.Mutex
	peers        map[string]*Session
	replica      *crdt.Replica
	lastActivity time.Time
}

func newRoom(code string, now time.Time) *Room {
	return &Room{
		Code:         code,
		peers:        make(map[string]*Session),
		replica:      crdt.New(),
		lastActivity: now,
	}
}

// AddPeer inserts a session into the room.
func (r *Room) AddPeer(s *Session, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[s.PeerID] = s
	r.lastActivity = now
}

// RemovePeer removes a peer by id. Removing an absent peer is a no-op.
func (r *Room) RemovePeer(peerID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
	r.lastActivity = now
}

// PeerCount returns the number of live sessions in the room.
func (r *Room) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Peers returns a snapshot of the sessions in the room.
func (r *Room) Peers() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.peers))
	for _, s := range r.peers {
		out = append(out, s)
	}
	return out
}

// ApplyUpdate merges a remote update into the room's replica. The update
// never re-enters the replica's send path, so relaying it to other peers is
// the caller's job.
func (r *Room) ApplyUpdate(update []byte, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.replica.ApplyUpdate(update); err != nil {
		return err
	}
	r.lastActivity = now
	return nil
}

// DocumentState returns the full replica encoding used to bootstrap a
// joining peer.
func (r *Room) DocumentState() []byte {
	return r.replica.EncodeFullState()
}

// DocumentLength returns the current text length.
func (r *Room) DocumentLength() int {
	return r.replica.Len()
}

// DocumentText returns the materialized text.
func (r *Room) DocumentText() string {
	return r.replica.Text()
}

// LastActivity returns the time of the last join, leave, or document
// change.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Broadcast enqueues payload to every session in the room except the one
// identified by excludePeerID. Per-recipient failures never affect the
// other recipients.
func (r *Room) Broadcast(payload []byte, excludePeerID string) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.peers))
	for _, s := range r.peers {
		if s.PeerID != excludePeerID {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.Send(payload)
	}
}
