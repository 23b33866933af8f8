package client

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kolabio/kolab/internal/clock"
	"github.com/kolabio/kolab/internal/crdt"
	"github.com/kolabio/kolab/internal/peercolor"
)

// cursorDebounce bounds cursor broadcasts to roughly one per interval.
// Purely a traffic optimization; correctness never depends on it.
const cursorDebounce = 50 * time.Millisecond

// sessionAgent is the slice of Agent the coordinator needs; tests
// substitute a fake.
type sessionAgent interface {
	Events() <-chan Event
	SendUpdate(update []byte) bool
	SendCursor(position, selection json.RawMessage) bool
}

// ChangeEvent is the sealed set of notifications the coordinator surfaces
// to the editor UI.
type ChangeEvent interface{ isChangeEvent() }

// SessionJoinedEvent reports that the local replica is seeded and editing
// can begin.
type SessionJoinedEvent struct {
	RoomCode string
	Text     string
	Peers    []Presence
}

// DocumentChangedEvent reports the document text after a remote update was
// merged. Local edits never produce one.
type DocumentChangedEvent struct {
	Text string
}

// Presence describes a peer for rendering.
type Presence struct {
	PeerID   string
	UserName string
	Color    string
	IsServer bool
}

// PresenceJoinedEvent reports a peer entering the room.
type PresenceJoinedEvent struct{ Peer Presence }

// PresenceLeftEvent reports a peer leaving the room.
type PresenceLeftEvent struct{ PeerID string }

// CursorMovedEvent reports relayed cursor state from another peer.
type CursorMovedEvent struct {
	PeerID    string
	Color     string
	Position  json.RawMessage
	Selection json.RawMessage
	Timestamp int64
}

// ConnectionLostEvent reports transport loss; a reconnect may follow.
type ConnectionLostEvent struct{}

// SessionFailedEvent is terminal: the session could not be re-established.
type SessionFailedEvent struct{ Err error }

func (SessionJoinedEvent) isChangeEvent()   {}
func (DocumentChangedEvent) isChangeEvent() {}
func (PresenceJoinedEvent) isChangeEvent()  {}
func (PresenceLeftEvent) isChangeEvent()    {}
func (CursorMovedEvent) isChangeEvent()     {}
func (ConnectionLostEvent) isChangeEvent()  {}
func (SessionFailedEvent) isChangeEvent()   {}

// Coordinator binds local edit intents and the document replica to the
// session agent. Local edits mutate the replica and ship its update bytes;
// remote updates merge into the replica and surface as change events. An
// edit made locally is never re-delivered to the editor as remote.
type Coordinator struct {
	agent sessionAgent
	clk   clock.Clock

	mu          sync.Mutex
	replica     *crdt.Replica
	events      chan ChangeEvent
	closed      bool
	cursorTimer clock.Timer
	pendingPos  json.RawMessage
	pendingSel  json.RawMessage
}

// NewCoordinator wires a coordinator to an agent and starts consuming its
// events. The agent's Destroy ends the coordinator's stream too.
func NewCoordinator(agent sessionAgent, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.System()
	}
	c := &Coordinator{
		agent:   agent,
		clk:     clk,
		replica: crdt.New(),
		events:  make(chan ChangeEvent, defaultEventBuffer),
	}
	go c.loop()
	return c
}

// Events returns the UI-facing notification stream. It closes when the
// underlying agent is destroyed.
func (c *Coordinator) Events() <-chan ChangeEvent { return c.events }

// Text returns the current document text.
func (c *Coordinator) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replica.Text()
}

// InsertText applies a local insert and ships the resulting update.
func (c *Coordinator) InsertText(index int, text string) error {
	c.mu.Lock()
	update, err := c.replica.Insert(index, text)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !c.agent.SendUpdate(update) {
		slog.Debug("local insert queued only locally, session not joined")
	}
	return nil
}

// DeleteText applies a local delete and ships the resulting update.
func (c *Coordinator) DeleteText(index, length int) error {
	c.mu.Lock()
	update, err := c.replica.Delete(index, length)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if !c.agent.SendUpdate(update) {
		slog.Debug("local delete queued only locally, session not joined")
	}
	return nil
}

// MoveCursor records local cursor state for broadcast. Calls are debounced
// so rapid movement produces roughly one emission per interval.
func (c *Coordinator) MoveCursor(position, selection json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pendingPos = position
	c.pendingSel = selection
	if c.cursorTimer != nil {
		return
	}
	c.cursorTimer = c.clk.AfterFunc(cursorDebounce, c.flushCursor)
}

func (c *Coordinator) flushCursor() {
	c.mu.Lock()
	pos, sel := c.pendingPos, c.pendingSel
	c.cursorTimer = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.agent.SendCursor(pos, sel)
}

func (c *Coordinator) loop() {
	for ev := range c.agent.Events() {
		switch ev := ev.(type) {
		case JoinedEvent:
			c.handleJoined(ev)

		case UpdateEvent:
			c.handleRemoteUpdate(ev)

		case PeerJoinedEvent:
			c.emit(PresenceJoinedEvent{Peer: Presence{
				PeerID:   ev.PeerID,
				UserName: ev.UserName,
				Color:    peercolor.ForPeer(ev.PeerID),
			}})

		case PeerLeftEvent:
			c.emit(PresenceLeftEvent{PeerID: ev.PeerID})

		case CursorEvent:
			c.emit(CursorMovedEvent{
				PeerID:    ev.PeerID,
				Color:     peercolor.ForPeer(ev.PeerID),
				Position:  ev.Position,
				Selection: ev.Selection,
				Timestamp: ev.Timestamp,
			})

		case DisconnectedEvent:
			c.emit(ConnectionLostEvent{})

		case FailedEvent:
			c.emit(SessionFailedEvent{Err: ev.Err})
		}
	}
	c.shutdown()
}

// handleJoined seeds the replica from the server's full state so the local
// document exactly matches the room before any local edit.
func (c *Coordinator) handleJoined(ev JoinedEvent) {
	replica, err := crdt.Load(ev.DocumentState)
	if err != nil {
		slog.Warn("discarding corrupt document snapshot", "room", ev.RoomCode, "error", err)
		replica = crdt.New()
	}

	c.mu.Lock()
	c.replica = replica
	text := replica.Text()
	c.mu.Unlock()

	peers := make([]Presence, 0, len(ev.Peers))
	for _, p := range ev.Peers {
		peers = append(peers, Presence{
			PeerID:   p.PeerID,
			UserName: p.UserName,
			Color:    peercolor.ForPeer(p.PeerID),
			IsServer: p.IsServer,
		})
	}
	c.emit(SessionJoinedEvent{RoomCode: ev.RoomCode, Text: text, Peers: peers})
}

func (c *Coordinator) handleRemoteUpdate(ev UpdateEvent) {
	c.mu.Lock()
	err := c.replica.ApplyUpdate(ev.Update)
	text := c.replica.Text()
	c.mu.Unlock()
	if err != nil {
		slog.Debug("dropping unapplicable remote update", "from", ev.FromPeer, "error", err)
		return
	}
	c.emit(DocumentChangedEvent{Text: text})
}

func (c *Coordinator) emit(ev ChangeEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		slog.Debug("change event buffer full, dropping event")
	}
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.cursorTimer != nil {
		c.cursorTimer.Stop()
		c.cursorTimer = nil
	}
	close(c.events)
}
