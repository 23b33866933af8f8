package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// Handler upgrades HTTP requests to websocket connections and pumps frames
// into the relay.
type Handler struct {
	relay         *Relay
	allowedOrigin string
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(relay *Relay, allowedOrigin string) *Handler {
	return &Handler{relay: relay, allowedOrigin: allowedOrigin}
}

// wsConn adapts a websocket connection to the room.Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "ip", r.RemoteAddr)
		return
	}

	conn := &wsConn{ws: ws}
	defer func() {
		if closeErr := conn.Close("session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr)
		}
	}()

	slog.Info("websocket connected", "ip", r.RemoteAddr)
	h.readLoop(r.Context(), conn)
	h.relay.HandleDisconnect(conn)
	slog.Info("websocket disconnected", "ip", r.RemoteAddr)
}

func (h *Handler) readLoop(ctx context.Context, conn *wsConn) {
	for {
		typ, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client")
			} else {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			// The protocol is JSON text frames only.
			continue
		}
		h.relay.HandleMessage(conn, data)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
