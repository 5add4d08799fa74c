package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointdeck/backend/internal/models"
)

// RoomRepository reads rooms owned by the external CRUD surface. The core
// mutates nothing here except last_active_at.
type RoomRepository struct {
	pool *pgxpool.Pool
}

// NewRoomRepository creates a new room repository.
func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

// FindByID loads a room by its 6-char id, including soft-deleted rooms so
// callers can distinguish deleted from missing.
func (r *RoomRepository) FindByID(ctx context.Context, roomID string) (*models.Room, error) {
	query := `
		SELECT id, title, owner_user_id, privacy_mode, config, created_at, last_active_at, deleted_at
		FROM rooms
		WHERE id = $1
	`

	var room models.Room
	var configJSON []byte
	err := r.pool.QueryRow(ctx, query, roomID).Scan(
		&room.ID, &room.Title, &room.OwnerUserID, &room.PrivacyMode,
		&configJSON, &room.CreatedAt, &room.LastActiveAt, &room.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &room.Config); err != nil {
			return nil, fmt.Errorf("decode room config: %w", err)
		}
	}
	if room.Config.DeckName == "" {
		room.Config.DeckName = models.DefaultDeckName
	}
	return &room, nil
}

// TouchLastActive bumps last_active_at. Non-critical; callers log failures.
func (r *RoomRepository) TouchLastActive(ctx context.Context, roomID string, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE rooms SET last_active_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		roomID, at,
	)
	return err
}

// Create inserts a room. Used by the dev seeder only; production rooms come
// from the external CRUD surface.
func (r *RoomRepository) Create(ctx context.Context, room *models.Room) error {
	configJSON, err := json.Marshal(room.Config)
	if err != nil {
		return fmt.Errorf("encode room config: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO rooms (id, title, owner_user_id, privacy_mode, config, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO NOTHING
	`, room.ID, room.Title, room.OwnerUserID, room.PrivacyMode, configJSON, room.CreatedAt)
	return err
}
