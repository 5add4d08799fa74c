package websocket

import (
	"go.uber.org/fx"

	"github.com/pointdeck/backend/internal/room"
)

// Module is the fx module for the connection registry.
var Module = fx.Module("websocket",
	fx.Provide(
		NewHub,
		func(h *Hub) room.Broadcaster { return h },
	),
)
