// Package client implements the client side of the collaboration protocol:
// the session agent that owns the connection lifecycle and the sync
// coordinator that binds edits to the document replica.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kolabio/kolab/internal/clock"
	"github.com/kolabio/kolab/internal/protocol"
	"github.com/kolabio/kolab/internal/roomcode"
)

// State is the agent's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingJoinAck
	StateJoined
	StateReconnecting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingJoinAck:
		return "awaiting-join-ack"
	case StateJoined:
		return "joined"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrReconnectExhausted is carried by the terminal FailedEvent after the
// reconnect attempt ceiling is hit.
var ErrReconnectExhausted = errors.New("unable to reconnect to server peer")

// ErrAgentClosed is returned by operations on a destroyed agent.
var ErrAgentClosed = errors.New("agent is destroyed")

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultMaxReconnects     = 5
	defaultEventBuffer       = 64
	dialTimeout              = 10 * time.Second
	writeTimeout             = 10 * time.Second
	baseBackoff              = time.Second
	maxBackoff               = 30 * time.Second
)

// Options configures an Agent. Zero values get sensible defaults; Dialer
// and Clock exist so tests can run without a network or real time.
type Options struct {
	URL                  string
	PeerID               string
	Dialer               Dialer
	Clock                clock.Clock
	MaxReconnectAttempts int
	KeepAliveInterval    time.Duration
	EventBuffer          int
}

// Agent maintains a client's session with the server peer: connect, join,
// keep-alive, reconnect with backoff, and re-join. Everything it learns is
// surfaced on the Events channel.
type Agent struct {
	url            string
	peerID         string
	dialer         Dialer
	clk            clock.Clock
	maxAttempts    int
	keepAliveEvery time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	emitWG       sync.WaitGroup
	state        State
	gen          int
	conn         Conn
	roomCode     string
	userName     string
	serverPeerID string
	peers        map[string]PeerInfo
	attempt      int
	retryTimer   clock.Timer
	pingTimer    clock.Timer
	events       chan Event
}

// New creates an agent. It does not connect until JoinRoom is called.
func New(opts Options) *Agent {
	if opts.PeerID == "" {
		opts.PeerID = uuid.NewString()
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnects
	}
	if opts.KeepAliveInterval == 0 {
		opts.KeepAliveInterval = defaultKeepAliveInterval
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		url:            opts.URL,
		peerID:         opts.PeerID,
		dialer:         opts.Dialer,
		clk:            opts.Clock,
		maxAttempts:    opts.MaxReconnectAttempts,
		keepAliveEvery: opts.KeepAliveInterval,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateDisconnected,
		peers:          make(map[string]PeerInfo),
		events:         make(chan Event, opts.EventBuffer),
	}
}

// Events returns the agent's notification stream. The channel is closed by
// Destroy.
func (a *Agent) Events() <-chan Event { return a.events }

// PeerID returns this client's peer identity.
func (a *Agent) PeerID() string { return a.peerID }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Peers returns a snapshot of the tracked peers, including the server peer
// once joined.
func (a *Agent) Peers() []PeerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PeerInfo, 0, len(a.peers))
	for _, p := range a.peers {
		out = append(out, p)
	}
	return out
}

// JoinRoom starts (or re-starts) a session in the given room. From a
// disconnected or failed state it dials the server; while joined it
// switches rooms over the existing connection, which the server treats as
// leave-then-join.
func (a *Agent) JoinRoom(code, userName string) error {
	code = roomcode.Sanitize(code)
	if !roomcode.Validate(code) {
		return fmt.Errorf("invalid room code %q", code)
	}
	if userName == "" {
		userName = "Anonymous"
	}

	a.mu.Lock()
	switch a.state {
	case StateClosed:
		a.mu.Unlock()
		return ErrAgentClosed
	case StateConnecting, StateAwaitingJoinAck, StateReconnecting:
		a.mu.Unlock()
		return fmt.Errorf("join already in progress (state %s)", a.state)
	}

	a.roomCode = code
	a.userName = userName
	a.attempt = 0
	clear(a.peers)

	if a.state == StateJoined {
		conn := a.conn
		a.state = StateAwaitingJoinAck
		join := a.joinMessage()
		a.mu.Unlock()
		if err := a.writeMsg(conn, join); err != nil {
			a.transportLost(a.currentGen())
		}
		return nil
	}

	a.gen++
	gen := a.gen
	a.state = StateConnecting
	a.mu.Unlock()

	go a.connect(gen)
	return nil
}

// Leave exits the current room and closes the transport without destroying
// the agent; JoinRoom may be called again afterwards.
func (a *Agent) Leave() {
	a.mu.Lock()
	if a.state == StateClosed || a.state == StateDisconnected {
		a.mu.Unlock()
		return
	}
	conn := a.conn
	wasJoined := a.state == StateJoined
	a.conn = nil
	a.gen++
	a.state = StateDisconnected
	a.roomCode = ""
	a.serverPeerID = ""
	clear(a.peers)
	a.stopTimersLocked()
	a.mu.Unlock()

	if conn != nil {
		if wasJoined {
			_ = a.writeMsg(conn, &protocol.Message{Type: protocol.TypeLeave})
		}
		_ = conn.Close("left room")
	}
}

// Destroy tears the agent down from any state: pending retries are
// cancelled, keep-alive stops, a leave is sent when joined, the transport
// closes, and the events channel is closed. Further operations return
// ErrAgentClosed.
func (a *Agent) Destroy() {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	conn := a.conn
	wasJoined := a.state == StateJoined
	a.conn = nil
	a.gen++
	a.state = StateClosed
	clear(a.peers)
	a.stopTimersLocked()
	a.mu.Unlock()

	// Unblock any pending blocking delivery before closing the channel;
	// the state flip above stops new deliveries from starting.
	a.cancel()
	a.emitWG.Wait()
	close(a.events)

	if conn != nil {
		if wasJoined {
			_ = a.writeMsg(conn, &protocol.Message{Type: protocol.TypeLeave})
		}
		_ = conn.Close("destroyed")
	}
}

// SendUpdate transmits a local document update. It reports whether the
// agent was in a state to send it.
func (a *Agent) SendUpdate(update []byte) bool {
	a.mu.Lock()
	if a.state != StateJoined {
		a.mu.Unlock()
		return false
	}
	conn := a.conn
	a.mu.Unlock()

	return a.writeMsg(conn, &protocol.Message{
		Type:   protocol.TypeCRDTUpdate,
		Update: update,
	}) == nil
}

// SendCursor transmits cursor state. Position and selection are passed
// through opaquely.
func (a *Agent) SendCursor(position, selection json.RawMessage) bool {
	a.mu.Lock()
	if a.state != StateJoined {
		a.mu.Unlock()
		return false
	}
	conn := a.conn
	a.mu.Unlock()

	return a.writeMsg(conn, &protocol.Message{
		Type:      protocol.TypeCursorUpdate,
		Position:  position,
		Selection: selection,
	}) == nil
}

func (a *Agent) joinMessage() *protocol.Message {
	return &protocol.Message{
		Type:     protocol.TypeJoin,
		RoomCode: a.roomCode,
		PeerID:   a.peerID,
		UserName: a.userName,
	}
}

func (a *Agent) currentGen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen
}

// connect dials and, on success, sends the join and starts the read loop.
// gen guards against results arriving after the attempt was superseded.
func (a *Agent) connect(gen int) {
	dialCtx, cancel := context.WithTimeout(a.ctx, dialTimeout)
	conn, err := a.dialer.Dial(dialCtx, a.url)
	cancel()

	a.mu.Lock()
	if gen != a.gen || a.state == StateClosed {
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close("stale connection")
		}
		return
	}
	if err != nil {
		slog.Debug("dial failed", "url", a.url, "error", err)
		a.scheduleReconnectLocked()
		a.mu.Unlock()
		return
	}
	a.conn = conn
	a.state = StateAwaitingJoinAck
	join := a.joinMessage()
	a.mu.Unlock()

	if err := a.writeMsg(conn, join); err != nil {
		a.transportLost(gen)
		return
	}
	go a.readLoop(conn, gen)
}

func (a *Agent) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.Read(a.ctx)
		if err != nil {
			a.transportLost(gen)
			return
		}
		a.handleFrame(gen, data)
	}
}

func (a *Agent) handleFrame(gen int, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		slog.Debug("ignoring malformed server message", "error", err)
		return
	}

	a.mu.Lock()
	if gen != a.gen || a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	ev := a.applyFrameLocked(msg)
	a.mu.Unlock()

	if ev != nil {
		a.deliver(ev)
	}
}

// applyFrameLocked updates agent state for one server message. Events that
// feed the document replica are returned for blocking delivery; everything
// else goes through the lossy buffer.
func (a *Agent) applyFrameLocked(msg *protocol.Message) Event {
	switch msg.Type {
	case protocol.TypeJoined:
		if a.state != StateAwaitingJoinAck {
			return nil
		}
		a.state = StateJoined
		a.attempt = 0
		a.serverPeerID = msg.ServerPeerID
		clear(a.peers)
		peers := make([]PeerInfo, 0, len(msg.ExistingPeers)+1)
		for _, p := range msg.ExistingPeers {
			info := PeerInfo{PeerID: p.PeerID, UserName: p.UserName}
			a.peers[p.PeerID] = info
			peers = append(peers, info)
		}
		// The server holds a replica too, so it is tracked as a peer.
		server := PeerInfo{PeerID: msg.ServerPeerID, UserName: "Server", IsServer: true}
		a.peers[server.PeerID] = server
		peers = append(peers, server)

		a.scheduleKeepAliveLocked()
		a.emitWG.Add(1)
		return JoinedEvent{
			RoomCode:      msg.RoomCode,
			PeerID:        msg.PeerID,
			ServerPeerID:  msg.ServerPeerID,
			DocumentState: msg.DocumentState,
			Peers:         peers,
		}

	case protocol.TypePeerJoined:
		info := PeerInfo{PeerID: msg.PeerID, UserName: msg.UserName}
		a.peers[msg.PeerID] = info
		a.emitLocked(PeerJoinedEvent{PeerID: msg.PeerID, UserName: msg.UserName})

	case protocol.TypePeerLeft:
		if _, ok := a.peers[msg.PeerID]; !ok {
			return nil
		}
		delete(a.peers, msg.PeerID)
		a.emitLocked(PeerLeftEvent{PeerID: msg.PeerID})

	case protocol.TypeCRDTUpdate:
		a.emitWG.Add(1)
		return UpdateEvent{FromPeer: msg.FromPeer, Update: msg.Update}

	case protocol.TypeCursorUpdate:
		a.emitLocked(CursorEvent{
			PeerID:    msg.PeerID,
			Position:  msg.Position,
			Selection: msg.Selection,
			Timestamp: msg.Timestamp,
		})

	case protocol.TypePong:
		// Liveness is inferred from transport close, not pong timing.

	case protocol.TypeError:
		slog.Warn("server rejected request", "code", msg.Code, "message", msg.Message)

	default:
		slog.Debug("ignoring unknown server message type", "type", msg.Type)
	}
	return nil
}

// deliver hands an event to the consumer without ever discarding it: a
// merged document update that never reaches the replica is unrecoverable,
// so the read loop waits instead. Destroy unblocks any waiter.
func (a *Agent) deliver(ev Event) {
	defer a.emitWG.Done()
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	}
}

// transportLost handles connection drop from any connected state: peers
// are cleared (they are only reachable through this transport), a
// disconnect event fires, and a reconnect is scheduled.
func (a *Agent) transportLost(gen int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.state == StateClosed || a.state == StateFailed || a.state == StateDisconnected {
		return
	}

	if a.conn != nil {
		conn := a.conn
		a.conn = nil
		go func() { _ = conn.Close("transport lost") }()
	}
	a.gen++
	a.stopTimersLocked()
	clear(a.peers)
	a.serverPeerID = ""
	a.emitLocked(DisconnectedEvent{})
	a.scheduleReconnectLocked()
}

func (a *Agent) scheduleReconnectLocked() {
	a.attempt++
	if a.attempt > a.maxAttempts {
		a.state = StateFailed
		a.emitLocked(FailedEvent{Err: ErrReconnectExhausted})
		return
	}

	delay := backoffDelay(a.attempt)
	a.state = StateReconnecting

	gen := a.gen
	a.retryTimer = a.clk.AfterFunc(delay, func() {
		a.mu.Lock()
		if gen != a.gen || a.state != StateReconnecting {
			a.mu.Unlock()
			return
		}
		a.gen++
		next := a.gen
		a.state = StateConnecting
		a.mu.Unlock()
		a.connect(next)
	})
	a.emitLocked(ReconnectingEvent{Attempt: a.attempt, Delay: delay})
}

func (a *Agent) scheduleKeepAliveLocked() {
	// An in-connection rejoin arms a fresh chain without bumping gen, so
	// the previous timer must be stopped or pings double per room switch.
	if a.pingTimer != nil {
		a.pingTimer.Stop()
	}
	gen := a.gen
	a.pingTimer = a.clk.AfterFunc(a.keepAliveEvery, func() {
		a.mu.Lock()
		if gen != a.gen || a.state != StateJoined {
			a.mu.Unlock()
			return
		}
		conn := a.conn
		a.scheduleKeepAliveLocked()
		a.mu.Unlock()

		// No action if pong never arrives; a dead transport surfaces
		// through the read loop.
		if err := a.writeMsg(conn, &protocol.Message{Type: protocol.TypePing}); err != nil {
			slog.Debug("keep-alive ping failed", "error", err)
		}
	})
}

func (a *Agent) stopTimersLocked() {
	if a.retryTimer != nil {
		a.retryTimer.Stop()
		a.retryTimer = nil
	}
	if a.pingTimer != nil {
		a.pingTimer.Stop()
		a.pingTimer = nil
	}
}

// emitLocked delivers a presence or lifecycle event without blocking the
// caller; a full buffer drops it. Replica-feeding events never take this
// path, they go through deliver.
func (a *Agent) emitLocked(ev Event) {
	if a.state == StateClosed {
		return
	}
	select {
	case a.events <- ev:
	default:
		slog.Debug("event buffer full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

func (a *Agent) writeMsg(conn Conn, msg *protocol.Message) error {
	if conn == nil {
		return errors.New("no connection")
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return conn.Write(ctx, data)
}

// backoffDelay returns min(1s * 2^attempt, 30s).
func backoffDelay(attempt int) time.Duration {
	if attempt >= 30 {
		return maxBackoff
	}
	d := baseBackoff << attempt
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
