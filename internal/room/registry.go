package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kolabio/kolab/internal/clock"
)

// Registry owns the room map. Rooms are created lazily on first join and
// deleted only after a grace period of staying empty, so a brief
// disconnect/reconnect does not lose the document.
type Registry struct {
	clk   clock.Clock
	grace time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates a registry whose grace-period timers run on clk.
func NewRegistry(clk clock.Clock, grace time.Duration) *Registry {
	return &Registry{
		clk:   clk,
		grace: grace,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreate returns the room for code, creating it on first use.
func (reg *Registry) GetOrCreate(code string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[code]; ok {
		return r
	}
	r := newRoom(code, reg.clk.Now())
	reg.rooms[code] = r
	slog.Info("room created", "room", code)
	return r
}

// Get returns the room for code, or nil.
func (reg *Registry) Get(code string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.rooms[code]
}

// Len returns the number of rooms.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// ScheduleRemoval arms the grace-period check for a room that just became
// empty. At the deadline the room is deleted only if it is still empty; a
// rejoin during the window makes the check a no-op, so the timer needs no
// explicit cancellation.
func (reg *Registry) ScheduleRemoval(code string) {
	reg.clk.AfterFunc(reg.grace, func() {
		reg.RemoveIfEmpty(code)
	})
}

// RemoveIfEmpty deletes the room when its peer set is empty.
func (reg *Registry) RemoveIfEmpty(code string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[code]
	if !ok || r.PeerCount() > 0 {
		return
	}
	delete(reg.rooms, code)
	slog.Info("room removed", "room", code)
}

// SweepIdle removes every empty room whose last activity is older than
// timeout. It backstops the grace timers; rooms with live peers are never
// swept.
func (reg *Registry) SweepIdle(timeout time.Duration) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	cutoff := reg.clk.Now().Add(-timeout)
	removed := 0
	for code, r := range reg.rooms {
		if r.PeerCount() == 0 && r.LastActivity().Before(cutoff) {
			delete(reg.rooms, code)
			removed++
			slog.Info("idle room swept", "room", code)
		}
	}
	return removed
}

// RoomDetail is the per-room slice of Stats.
type RoomDetail struct {
	Code           string `json:"code"`
	Peers          int    `json:"peers"`
	DocumentLength int    `json:"documentLength"`
	LastActivity   int64  `json:"lastActivity"`
}

// Stats is the registry snapshot served by the health endpoints.
// LastActivity is Unix milliseconds.
type Stats struct {
	Rooms       int          `json:"rooms"`
	TotalPeers  int          `json:"totalPeers"`
	RoomDetails []RoomDetail `json:"roomDetails"`
}

// Snapshot gathers current room statistics.
func (reg *Registry) Snapshot() Stats {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	stats := Stats{
		Rooms:       len(reg.rooms),
		RoomDetails: make([]RoomDetail, 0, len(reg.rooms)),
	}
	for code, r := range reg.rooms {
		peers := r.PeerCount()
		stats.TotalPeers += peers
		stats.RoomDetails = append(stats.RoomDetails, RoomDetail{
			Code:           code,
			Peers:          peers,
			DocumentLength: r.DocumentLength(),
			LastActivity:   r.LastActivity().UnixMilli(),
		})
	}
	return stats
}
