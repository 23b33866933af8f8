// Package api provides the auxiliary HTTP surface: health and statistics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kolabio/kolab/internal/clock"
	"github.com/kolabio/kolab/internal/room"
)

// Handler serves room statistics for health checks and dashboards.
type Handler struct {
	registry     *room.Registry
	serverPeerID string
	clk          clock.Clock
	startedAt    time.Time
}

// NewHandler creates the health/stats handler.
func NewHandler(registry *room.Registry, serverPeerID string, clk clock.Clock) *Handler {
	return &Handler{
		registry:     registry,
		serverPeerID: serverPeerID,
		clk:          clk,
		startedAt:    clk.Now(),
	}
}

// StatsPayload is the JSON body of both endpoints. Uptime is seconds.
type StatsPayload struct {
	Status       string            `json:"status,omitempty"`
	Rooms        int               `json:"rooms"`
	TotalPeers   int               `json:"totalPeers"`
	ServerPeerID string            `json:"serverPeerId"`
	Uptime       float64           `json:"uptime"`
	RoomDetails  []room.RoomDetail `json:"roomDetails"`
}

// RegisterRoutes mounts the endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
}

// Health responds with the stats payload plus a status field.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	p := h.payload()
	p.Status = "healthy"
	JSON(w, http.StatusOK, p)
}

// Stats responds with the stats payload, pretty-printed.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(h.payload()); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func (h *Handler) payload() StatsPayload {
	snap := h.registry.Snapshot()
	return StatsPayload{
		Rooms:        snap.Rooms,
		TotalPeers:   snap.TotalPeers,
		ServerPeerID: h.serverPeerID,
		Uptime:       h.clk.Now().Sub(h.startedAt).Seconds(),
		RoomDetails:  snap.RoomDetails,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}
