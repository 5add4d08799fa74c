package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointdeck/backend/internal/models"
)

// SessionHistoryRepository appends reveal summaries for the external
// reporting surface. Append-only; the core never reads it back.
type SessionHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewSessionHistoryRepository creates a new session history repository.
func NewSessionHistoryRepository(pool *pgxpool.Pool) *SessionHistoryRepository {
	return &SessionHistoryRepository{pool: pool}
}

// Append writes one summary row.
func (r *SessionHistoryRepository) Append(ctx context.Context, h *models.SessionHistory) error {
	query := `
		INSERT INTO session_history (session_id, room_id, started_at, ended_at, total_rounds, total_stories, summary_stats_json, participants_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query,
		h.SessionID, h.RoomID, h.StartedAt, h.EndedAt,
		h.TotalRounds, h.TotalStories, h.SummaryStats, h.ParticipantsJSON,
	)
	return err
}
