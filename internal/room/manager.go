package room

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pointdeck/backend/internal/bus"
	"github.com/pointdeck/backend/internal/clock"
	"github.com/pointdeck/backend/internal/config"
)

// Manager lazily loads one actor per active room and drops entries when
// actors unload themselves after the idle window.
type Manager struct {
	store  Store
	bcast  Broadcaster
	bus    bus.Bus
	clk    clock.Clock
	limits config.LimitsConfig

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewManager creates the actor manager.
func NewManager(store Store, bcast Broadcaster, b bus.Bus, clk clock.Clock, cfg *config.Config) *Manager {
	return &Manager{
		store:  store,
		bcast:  bcast,
		bus:    b,
		clk:    clk,
		limits: cfg.Limits,
		actors: make(map[string]*Actor),
	}
}

// Get returns the actor for a room, loading it from the store on first use.
func (m *Manager) Get(ctx context.Context, roomID string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrActorStopped
	}
	if a, ok := m.actors[roomID]; ok {
		return a, nil
	}

	a, err := loadActor(ctx, roomID, m.store, m.bcast, m.bus, m.clk, m.limits, m.evict)
	if err != nil {
		return nil, err
	}
	m.actors[roomID] = a
	slog.Debug("manager: actor loaded", "roomId", roomID)
	return a, nil
}

// evict drops the map entry for an actor that unloaded itself. The next
// command for that room triggers a lazy reload.
func (m *Manager) evict(roomID string) {
	m.mu.Lock()
	delete(m.actors, roomID)
	m.mu.Unlock()
	slog.Debug("manager: actor evicted", "roomId", roomID)
}

// ActiveRooms returns the ids of currently loaded rooms.
func (m *Manager) ActiveRooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.actors))
	for id := range m.actors {
		ids = append(ids, id)
	}
	return ids
}

// Close stops every loaded actor. Used on shutdown after the drain.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for id, a := range m.actors {
		a.Stop()
		delete(m.actors, id)
	}
}
