package main

import (
	"go.uber.org/fx"

	"github.com/pointdeck/backend/internal/auth"
	"github.com/pointdeck/backend/internal/bus"
	"github.com/pointdeck/backend/internal/clock"
	"github.com/pointdeck/backend/internal/config"
	"github.com/pointdeck/backend/internal/handlers"
	"github.com/pointdeck/backend/internal/logger"
	"github.com/pointdeck/backend/internal/migration"
	"github.com/pointdeck/backend/internal/repository/postgres"
	"github.com/pointdeck/backend/internal/room"
	"github.com/pointdeck/backend/internal/seed"
	"github.com/pointdeck/backend/internal/websocket"
)

func main() {
	// Load logger config early to configure fx logging
	logCfg := logger.LoadConfig()
	logger.Setup(logCfg)

	fx.New(
		logger.FxLogger(logCfg),
		fx.Supply(logCfg),

		logger.Module,
		config.Module,
		migration.Module,
		postgres.Module,
		clock.Module,
		auth.Module,
		bus.Module,
		websocket.Module,
		room.Module,
		seed.Module,
		handlers.Module,
		handlers.RouterModule,
		handlers.ServerModule,
	).Run()
}
