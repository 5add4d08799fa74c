// Package websocket holds the connection registry (Hub) and the per-client
// Connection Session. The hub maps roomId to the set of local sessions and
// drives bus subscribe/unsubscribe on first-join/last-leave; sessions own
// their socket and per-connection timers.
package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/pointdeck/backend/internal/bus"
	"github.com/pointdeck/backend/internal/protocol"
)

// Hub is the connection registry. It implements room.Broadcaster: actors
// hand it encoded frames for local fan-out, and its bus subscriptions feed
// remote-origin frames through the same path.
type Hub struct {
	bus bus.Bus

	mu      sync.RWMutex
	rooms   map[string]map[*Session]struct{}
	handles map[string]bus.Handle
	closed  bool
}

// NewHub creates the registry.
func NewHub(b bus.Bus) *Hub {
	return &Hub{
		bus:     b,
		rooms:   make(map[string]map[*Session]struct{}),
		handles: make(map[string]bus.Handle),
	}
}

// Attach registers a session for a room's broadcasts. The first session on
// this node for a room opens the bus subscription.
func (h *Hub) Attach(roomID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Session]struct{})
	}
	h.rooms[roomID][s] = struct{}{}

	if _, ok := h.handles[roomID]; !ok {
		handle, err := h.bus.Subscribe(roomID, func(frame []byte) {
			h.BroadcastLocal(roomID, frame)
		})
		if err != nil {
			slog.Error("hub: bus subscribe failed", "roomId", roomID, "err", err)
			return
		}
		h.handles[roomID] = handle
		slog.Debug("hub: subscribed to room channel", "roomId", roomID)
	}
}

// Detach removes a session. The last session leaving a room closes the bus
// subscription.
func (h *Hub) Detach(roomID string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sessions, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(sessions, s)
	if len(sessions) > 0 {
		return
	}
	delete(h.rooms, roomID)
	if handle, ok := h.handles[roomID]; ok {
		handle.Unsubscribe()
		delete(h.handles, roomID)
		slog.Debug("hub: unsubscribed from room channel", "roomId", roomID)
	}
}

// BroadcastLocal queues a frame on every local session attached to the
// room. A session with a full send buffer is closed rather than allowed to
// stall the room.
func (h *Hub) BroadcastLocal(roomID string, frame []byte) {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.rooms[roomID]))
	for s := range h.rooms[roomID] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		if !s.enqueue(frame) {
			slog.Warn("hub: session send buffer full, dropping connection",
				"roomId", roomID, "participantId", s.participantID)
			s.closeSlow()
		}
	}
}

// SessionCount reports the number of attached sessions across all rooms.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sessions := range h.rooms {
		n += len(sessions)
	}
	return n
}

// Drain implements graceful shutdown: stop accepting new sessions,
// announce the shutdown on every room, wait up to timeout for clients to
// close on their own, then force-close the rest.
func (h *Hub) Drain(timeout time.Duration) {
	h.mu.Lock()
	h.closed = true
	roomIDs := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		roomIDs = append(roomIDs, id)
	}
	h.mu.Unlock()

	frame, err := protocol.Encode(protocol.TypeServerShutdown, "", protocol.ServerShutdownPayload{
		Reason:       "server shutting down",
		DrainSeconds: int(timeout / time.Second),
	})
	if err == nil {
		for _, id := range roomIDs {
			h.BroadcastLocal(id, frame)
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.SessionCount() == 0 {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}

	h.mu.Lock()
	var remaining []*Session
	for _, sessions := range h.rooms {
		for s := range sessions {
			remaining = append(remaining, s)
		}
	}
	for id, handle := range h.handles {
		handle.Unsubscribe()
		delete(h.handles, id)
	}
	h.rooms = make(map[string]map[*Session]struct{})
	h.mu.Unlock()

	for _, s := range remaining {
		s.closeGoingAway()
	}
}
