// Package seed creates a demo room in dev mode so the core can be driven
// stand-alone, without the external CRUD surface.
package seed

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/fx"

	"github.com/pointdeck/backend/internal/config"
	"github.com/pointdeck/backend/internal/models"
	"github.com/pointdeck/backend/internal/repository/postgres"
)

// Module seeds the demo room on startup when DEV_MODE is set.
var Module = fx.Module("seed",
	fx.Invoke(SeedDevRoom),
)

// devNamespace keys the deterministic demo room code, so restarts reuse
// the same room.
const devNamespace = "pointdeck.dev"

// DevRoomID returns the stable 6-char code of the demo room.
func DevRoomID() string {
	return strings.ToLower(shortuuid.NewWithNamespace(devNamespace))[:6]
}

// SeedDevRoom inserts the demo room if it does not exist yet.
func SeedDevRoom(lc fx.Lifecycle, cfg *config.Config, rooms *postgres.RoomRepository) {
	if !cfg.DevMode {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			roomID := DevRoomID()
			room := &models.Room{
				ID:          roomID,
				Title:       "Demo Planning Room",
				OwnerUserID: uuid.NewSHA1(uuid.NameSpaceURL, []byte(devNamespace)).String(),
				PrivacyMode: models.PrivacyPublic,
				Config: models.RoomConfig{
					DeckName:          models.DefaultDeckName,
					AllowObserverChat: true,
				},
			}
			if err := rooms.Create(ctx, room); err != nil {
				return err
			}
			slog.Info("seed: demo room ready", "roomId", roomID)
			return nil
		},
	})
}
