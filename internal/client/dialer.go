package client

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is the client side of a persistent bidirectional connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Dialer establishes connections to the server peer. Tests substitute an
// in-memory implementation.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials real websocket connections.
type WebsocketDialer struct{}

// Dial implements Dialer.
func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &clientConn{ws: ws}, nil
}

type clientConn struct {
	ws *websocket.Conn
}

// Read returns the next text frame, skipping any binary frames since the
// protocol is JSON text only.
func (c *clientConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *clientConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *clientConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}
