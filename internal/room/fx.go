package room

import (
	"context"

	"go.uber.org/fx"

	"github.com/pointdeck/backend/internal/bus"
	"github.com/pointdeck/backend/internal/clock"
	"github.com/pointdeck/backend/internal/config"
)

// Module is the fx module for the room actor layer.
var Module = fx.Module("room",
	fx.Provide(
		fx.Annotate(NewPostgresStore, fx.As(new(Store))),
		NewManagerFx,
	),
)

// NewManagerFx creates the Manager and stops all actors on shutdown.
func NewManagerFx(lc fx.Lifecycle, store Store, bcast Broadcaster, b bus.Bus, clk clock.Clock, cfg *config.Config) *Manager {
	m := NewManager(store, bcast, b, clk, cfg)
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			m.Close()
			return nil
		},
	})
	return m
}
