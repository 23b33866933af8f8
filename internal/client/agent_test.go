package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kolabio/kolab/internal/clock"
	"github.com/kolabio/kolab/internal/protocol"
)

// fakeServerConn is the agent's view of an in-memory connection. The test
// plays the server: it reads client frames from outbound and feeds server
// frames into inbound.
type fakeServerConn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeServerConn() *fakeServerConn {
	return &fakeServerConn{
		inbound:  make(chan []byte, 128),
		outbound: make(chan []byte, 128),
		closed:   make(chan struct{}),
	}
}

func (c *fakeServerConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeServerConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.outbound <- data
	return nil
}

func (c *fakeServerConn) Close(string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// serve feeds a frame to the agent as if the server sent it.
func (c *fakeServerConn) serve(t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode server frame: %v", err)
	}
	c.inbound <- data
}

// clientMsg waits for the next frame the agent wrote.
func (c *fakeServerConn) clientMsg(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case data := <-c.outbound:
		msg, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("undecodable client frame: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	refuse bool
	dials  int
	conns  chan *fakeServerConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeServerConn, 16)}
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.refuse {
		return nil, errors.New("connection refused")
	}
	conn := newFakeServerConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) setRefuse(refuse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse = refuse
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) waitConn(t *testing.T) *fakeServerConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func nextEvent(t *testing.T, a *Agent) Event {
	t.Helper()
	select {
	case ev, ok := <-a.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func newTestAgent(t *testing.T) (*Agent, *fakeDialer, *clock.Fake) {
	t.Helper()
	dialer := newFakeDialer()
	clk := clock.NewFake()
	a := New(Options{
		URL:    "ws://test/ws",
		PeerID: "p1",
		Dialer: dialer,
		Clock:  clk,
	})
	t.Cleanup(a.Destroy)
	return a, dialer, clk
}

// joinAndAck walks an agent through a successful join handshake.
func joinAndAck(t *testing.T, a *Agent, dialer *fakeDialer, roomCode string) *fakeServerConn {
	t.Helper()
	if err := a.JoinRoom(roomCode, "ada"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	conn := dialer.waitConn(t)
	joinMsg := conn.clientMsg(t)
	if joinMsg.Type != protocol.TypeJoin {
		t.Fatalf("first client frame = %q, want join", joinMsg.Type)
	}
	conn.serve(t, &protocol.Message{
		Type:         protocol.TypeJoined,
		RoomCode:     joinMsg.RoomCode,
		PeerID:       joinMsg.PeerID,
		ServerPeerID: "server-abc12345",
	})
	if ev, ok := nextEvent(t, a).(JoinedEvent); !ok {
		t.Fatalf("expected JoinedEvent, got %T", ev)
	}
	return conn
}

func TestJoinHandshake(t *testing.T) {
	a, dialer, _ := newTestAgent(t)

	if err := a.JoinRoom("Swift-Fox-42", "ada"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	conn := dialer.waitConn(t)

	joinMsg := conn.clientMsg(t)
	if joinMsg.Type != protocol.TypeJoin {
		t.Fatalf("type = %q", joinMsg.Type)
	}
	if joinMsg.RoomCode != "swift-fox-42" {
		t.Fatalf("roomCode = %q, want sanitized swift-fox-42", joinMsg.RoomCode)
	}
	if joinMsg.PeerID != "p1" || joinMsg.UserName != "ada" {
		t.Fatalf("identity = %q/%q", joinMsg.PeerID, joinMsg.UserName)
	}

	conn.serve(t, &protocol.Message{
		Type:          protocol.TypeJoined,
		RoomCode:      "swift-fox-42",
		PeerID:        "p1",
		ServerPeerID:  "server-abc12345",
		DocumentState: protocol.ByteSlice{1, 2, 3},
		ExistingPeers: []protocol.PeerInfo{{PeerID: "p0", UserName: "lin"}},
	})

	ev, ok := nextEvent(t, a).(JoinedEvent)
	if !ok {
		t.Fatalf("expected JoinedEvent")
	}
	if ev.RoomCode != "swift-fox-42" || ev.ServerPeerID != "server-abc12345" {
		t.Fatalf("event = %+v", ev)
	}
	if len(ev.DocumentState) != 3 {
		t.Fatalf("documentState = %v", ev.DocumentState)
	}
	// Existing peer plus the server peer.
	if len(ev.Peers) != 2 {
		t.Fatalf("peers = %+v", ev.Peers)
	}
	if a.State() != StateJoined {
		t.Fatalf("state = %s", a.State())
	}

	foundServer := false
	for _, p := range a.Peers() {
		if p.IsServer {
			foundServer = true
			if p.PeerID != "server-abc12345" {
				t.Fatalf("server peer id = %q", p.PeerID)
			}
		}
	}
	if !foundServer {
		t.Fatal("server peer not tracked")
	}
}

func TestJoinRejectsInvalidRoomCode(t *testing.T) {
	a, _, _ := newTestAgent(t)
	if err := a.JoinRoom("not a room!", "ada"); err == nil {
		t.Fatal("invalid room code should be rejected locally")
	}
	if a.State() != StateDisconnected {
		t.Fatalf("state = %s", a.State())
	}
}

func TestReconnectBackoffThenFailure(t *testing.T) {
	a, dialer, clk := newTestAgent(t)
	dialer.setRefuse(true)

	if err := a.JoinRoom("room-1", "ada"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	wantDelays := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
	}
	for i, want := range wantDelays {
		ev, ok := nextEvent(t, a).(ReconnectingEvent)
		if !ok {
			t.Fatalf("attempt %d: expected ReconnectingEvent", i+1)
		}
		if ev.Attempt != i+1 || ev.Delay != want {
			t.Fatalf("attempt %d: got attempt=%d delay=%v, want delay=%v", i+1, ev.Attempt, ev.Delay, want)
		}
		clk.Advance(want)
	}

	ev, ok := nextEvent(t, a).(FailedEvent)
	if !ok {
		t.Fatal("expected FailedEvent after exhausting attempts")
	}
	if !errors.Is(ev.Err, ErrReconnectExhausted) {
		t.Fatalf("err = %v", ev.Err)
	}
	if a.State() != StateFailed {
		t.Fatalf("state = %s", a.State())
	}

	// No further dials after giving up.
	dials := dialer.dialCount()
	clk.Advance(5 * time.Minute)
	if dialer.dialCount() != dials {
		t.Fatalf("dials continued after failure: %d -> %d", dials, dialer.dialCount())
	}
}

func TestJoinRoomRetriesFromFailedState(t *testing.T) {
	a, dialer, clk := newTestAgent(t)
	dialer.setRefuse(true)

	if err := a.JoinRoom("room-1", "ada"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	for i := 0; i < 5; i++ {
		ev := nextEvent(t, a).(ReconnectingEvent)
		clk.Advance(ev.Delay)
	}
	if _, ok := nextEvent(t, a).(FailedEvent); !ok {
		t.Fatal("expected FailedEvent")
	}

	dialer.setRefuse(false)
	if err := a.JoinRoom("room-1", "ada"); err != nil {
		t.Fatalf("JoinRoom after failure: %v", err)
	}
	conn := dialer.waitConn(t)
	if got := conn.clientMsg(t); got.Type != protocol.TypeJoin {
		t.Fatalf("frame = %q", got.Type)
	}
}

func TestTransportLossTriggersRejoin(t *testing.T) {
	a, dialer, clk := newTestAgent(t)
	conn := joinAndAck(t, a, dialer, "room-1")

	// Server goes away.
	close(conn.inbound)

	if _, ok := nextEvent(t, a).(DisconnectedEvent); !ok {
		t.Fatal("expected DisconnectedEvent")
	}
	rec, ok := nextEvent(t, a).(ReconnectingEvent)
	if !ok {
		t.Fatal("expected ReconnectingEvent")
	}
	if rec.Attempt != 1 || rec.Delay != 2*time.Second {
		t.Fatalf("first retry = %+v", rec)
	}
	if len(a.Peers()) != 0 {
		t.Fatalf("peers survived disconnect: %v", a.Peers())
	}

	clk.Advance(rec.Delay)
	conn2 := dialer.waitConn(t)

	// The agent re-joins its room on the fresh connection.
	rejoin := conn2.clientMsg(t)
	if rejoin.Type != protocol.TypeJoin || rejoin.RoomCode != "room-1" {
		t.Fatalf("rejoin = %+v", rejoin)
	}
	conn2.serve(t, &protocol.Message{
		Type:         protocol.TypeJoined,
		RoomCode:     "room-1",
		PeerID:       "p1",
		ServerPeerID: "server-abc12345",
	})
	if _, ok := nextEvent(t, a).(JoinedEvent); !ok {
		t.Fatal("expected JoinedEvent after reconnect")
	}
	if a.State() != StateJoined {
		t.Fatalf("state = %s", a.State())
	}
}

func TestKeepAlivePings(t *testing.T) {
	a, dialer, clk := newTestAgent(t)
	conn := joinAndAck(t, a, dialer, "room-1")

	clk.Advance(30 * time.Second)
	if got := conn.clientMsg(t); got.Type != protocol.TypePing {
		t.Fatalf("frame = %q, want ping", got.Type)
	}

	// The pong is absorbed and the ping repeats on the same cadence.
	conn.serve(t, &protocol.Message{Type: protocol.TypePong, Timestamp: 1})
	clk.Advance(30 * time.Second)
	if got := conn.clientMsg(t); got.Type != protocol.TypePing {
		t.Fatalf("second frame = %q, want ping", got.Type)
	}
}

func TestUpdateBurstDeliveredWithoutLoss(t *testing.T) {
	a, dialer, _ := newTestAgent(t)
	conn := joinAndAck(t, a, dialer, "room-1")

	// Well past the event buffer size; the read loop must wait for the
	// consumer rather than discard updates it cannot buffer.
	const n = 80
	for i := 0; i < n; i++ {
		conn.serve(t, &protocol.Message{
			Type:     protocol.TypeCRDTUpdate,
			FromPeer: "p2",
			Update:   protocol.ByteSlice{byte(i)},
		})
	}

	got := 0
	deadline := time.After(5 * time.Second)
	for got < n {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				t.Fatalf("events closed after %d of %d updates", got, n)
			}
			up, isUpdate := ev.(UpdateEvent)
			if !isUpdate {
				continue
			}
			if int(up.Update[0]) != got {
				t.Fatalf("update %d arrived as %d, order lost", got, up.Update[0])
			}
			got++
		case <-deadline:
			t.Fatalf("received %d of %d updates", got, n)
		}
	}
}

func TestKeepAliveSingleChainAfterRoomSwitch(t *testing.T) {
	a, dialer, clk := newTestAgent(t)
	conn := joinAndAck(t, a, dialer, "room-1")

	// Switch rooms over the existing connection.
	if err := a.JoinRoom("room-2", "ada"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	rejoin := conn.clientMsg(t)
	if rejoin.Type != protocol.TypeJoin || rejoin.RoomCode != "room-2" {
		t.Fatalf("rejoin = %+v", rejoin)
	}
	conn.serve(t, &protocol.Message{
		Type:         protocol.TypeJoined,
		RoomCode:     "room-2",
		PeerID:       "p1",
		ServerPeerID: "server-abc12345",
	})
	if _, ok := nextEvent(t, a).(JoinedEvent); !ok {
		t.Fatal("expected JoinedEvent after room switch")
	}

	clk.Advance(30 * time.Second)
	clk.Advance(30 * time.Second)

	pings := 0
	for done := false; !done; {
		select {
		case data := <-conn.outbound:
			msg, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if msg.Type == protocol.TypePing {
				pings++
			}
		case <-time.After(100 * time.Millisecond):
			done = true
		}
	}
	if pings != 2 {
		t.Fatalf("got %d pings in 60s after room switch, want 2", pings)
	}
}

func TestSendUpdateOnlyWhileJoined(t *testing.T) {
	a, dialer, _ := newTestAgent(t)

	if a.SendUpdate([]byte{1}) {
		t.Fatal("send before join should report false")
	}

	conn := joinAndAck(t, a, dialer, "room-1")
	if !a.SendUpdate([]byte{1, 2, 3}) {
		t.Fatal("send while joined should succeed")
	}
	msg := conn.clientMsg(t)
	if msg.Type != protocol.TypeCRDTUpdate || len(msg.Update) != 3 {
		t.Fatalf("frame = %+v", msg)
	}

	if !a.SendCursor([]byte(`{"line":1}`), nil) {
		t.Fatal("cursor while joined should succeed")
	}
	cursor := conn.clientMsg(t)
	if cursor.Type != protocol.TypeCursorUpdate || string(cursor.Position) != `{"line":1}` {
		t.Fatalf("cursor = %+v", cursor)
	}
}

func TestPeerTracking(t *testing.T) {
	a, dialer, _ := newTestAgent(t)
	conn := joinAndAck(t, a, dialer, "room-1")

	conn.serve(t, &protocol.Message{Type: protocol.TypePeerJoined, PeerID: "p2", UserName: "lin"})
	joined, ok := nextEvent(t, a).(PeerJoinedEvent)
	if !ok || joined.PeerID != "p2" {
		t.Fatalf("event = %+v", joined)
	}

	conn.serve(t, &protocol.Message{Type: protocol.TypePeerLeft, PeerID: "p2"})
	left, ok := nextEvent(t, a).(PeerLeftEvent)
	if !ok || left.PeerID != "p2" {
		t.Fatalf("event = %+v", left)
	}

	// A leave for an unknown peer emits nothing.
	conn.serve(t, &protocol.Message{Type: protocol.TypePeerLeft, PeerID: "ghost"})
	conn.serve(t, &protocol.Message{Type: protocol.TypePeerJoined, PeerID: "p3", UserName: "kay"})
	if ev, ok := nextEvent(t, a).(PeerJoinedEvent); !ok || ev.PeerID != "p3" {
		t.Fatalf("event after ghost leave = %+v", ev)
	}
}

func TestDestroySendsLeaveAndClosesEvents(t *testing.T) {
	dialer := newFakeDialer()
	clk := clock.NewFake()
	a := New(Options{URL: "ws://test/ws", PeerID: "p1", Dialer: dialer, Clock: clk})
	conn := joinAndAck(t, a, dialer, "room-1")

	a.Destroy()

	if got := conn.clientMsg(t); got.Type != protocol.TypeLeave {
		t.Fatalf("frame = %q, want leave", got.Type)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-a.Events():
			if !ok {
				if a.State() != StateClosed {
					t.Fatalf("state = %s", a.State())
				}
				if err := a.JoinRoom("room-1", "ada"); !errors.Is(err, ErrAgentClosed) {
					t.Fatalf("JoinRoom after destroy = %v", err)
				}
				// No keep-alive or retry activity after destroy.
				clk.Advance(5 * time.Minute)
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed by Destroy")
		}
	}
}

func TestLeaveAllowsRejoin(t *testing.T) {
	a, dialer, _ := newTestAgent(t)
	conn := joinAndAck(t, a, dialer, "room-1")

	a.Leave()
	if got := conn.clientMsg(t); got.Type != protocol.TypeLeave {
		t.Fatalf("frame = %q", got.Type)
	}
	if a.State() != StateDisconnected {
		t.Fatalf("state = %s", a.State())
	}

	joinAndAck(t, a, dialer, "room-2")
	if a.State() != StateJoined {
		t.Fatalf("state after rejoin = %s", a.State())
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
