package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointdeck/backend/internal/models"
)

// ParticipantRepository persists room participants.
type ParticipantRepository struct {
	pool *pgxpool.Pool
}

// NewParticipantRepository creates a new participant repository.
func NewParticipantRepository(pool *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{pool: pool}
}

// Upsert inserts or updates a participant row keyed by participant_id.
func (r *ParticipantRepository) Upsert(ctx context.Context, p *models.Participant) error {
	query := `
		INSERT INTO room_participant (room_id, participant_id, user_id, display_name, role, connected_at, disconnected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (participant_id)
		DO UPDATE SET display_name = $4, role = $5, disconnected_at = $7
	`
	_, err := r.pool.Exec(ctx, query,
		p.RoomID, p.ID, p.UserID, p.DisplayName, p.Role, p.ConnectedAt, p.DisconnectedAt,
	)
	return err
}

// ListConnectedByRoom returns participants without a disconnected_at, used
// when an unloaded actor is lazily rebuilt.
func (r *ParticipantRepository) ListConnectedByRoom(ctx context.Context, roomID string) ([]*models.Participant, error) {
	query := `
		SELECT room_id, participant_id, user_id, display_name, role, connected_at, disconnected_at
		FROM room_participant
		WHERE room_id = $1 AND disconnected_at IS NULL
		ORDER BY connected_at ASC, participant_id ASC
	`

	rows, err := r.pool.Query(ctx, query, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(
			&p.RoomID, &p.ID, &p.UserID, &p.DisplayName, &p.Role, &p.ConnectedAt, &p.DisconnectedAt,
		); err != nil {
			return nil, err
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}
