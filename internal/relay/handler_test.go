package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kolabio/kolab/internal/clock"
	"github.com/kolabio/kolab/internal/protocol"
	"github.com/kolabio/kolab/internal/room"
)

func newWSServer(t *testing.T, allowedOrigin string) *httptest.Server {
	t.Helper()
	clk := clock.System()
	registry := room.NewRegistry(clk, 30*time.Second)
	relay := New(registry, room.NewSessionManager(), clk, 100)

	srv := httptest.NewServer(NewHandler(relay, allowedOrigin))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readMsg(t *testing.T, ctx context.Context, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func TestWebsocketJoinRoundTrip(t *testing.T) {
	srv := newWSServer(t, "*")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "test done")

	join, err := protocol.Encode(&protocol.Message{
		Type:     protocol.TypeJoin,
		RoomCode: "room-1",
		PeerID:   "p1",
		UserName: "ada",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := ws.Write(ctx, websocket.MessageText, join); err != nil {
		t.Fatalf("write: %v", err)
	}

	ack := readMsg(t, ctx, ws)
	if ack.Type != protocol.TypeJoined || ack.RoomCode != "room-1" {
		t.Fatalf("ack = %+v", ack)
	}
	if len(ack.DocumentState) == 0 {
		t.Fatal("ack missing document snapshot")
	}

	ping, _ := protocol.Encode(&protocol.Message{Type: protocol.TypePing})
	if err := ws.Write(ctx, websocket.MessageText, ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if pong := readMsg(t, ctx, ws); pong.Type != protocol.TypePong {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestWebsocketBinaryFramesIgnored(t *testing.T) {
	srv := newWSServer(t, "*")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "test done")

	ping, _ := protocol.Encode(&protocol.Message{Type: protocol.TypePing})
	if err := ws.Write(ctx, websocket.MessageBinary, ping); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	// The binary frame is dropped; the text frame still gets its pong.
	if err := ws.Write(ctx, websocket.MessageText, ping); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if got := readMsg(t, ctx, ws); got.Type != protocol.TypePong {
		t.Fatalf("got %+v", got)
	}
}

func TestOriginRejected(t *testing.T) {
	srv := newWSServer(t, "https://app.example.com")

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestOriginAllowed(t *testing.T) {
	srv := newWSServer(t, "https://app.example.com")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://app.example.com"}},
	})
	if err != nil {
		t.Fatalf("dial with allowed origin: %v", err)
	}
	ws.Close(websocket.StatusNormalClosure, "test done")
}
