package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointdeck/backend/internal/models"
)

// RoundRepository persists estimation rounds.
type RoundRepository struct {
	pool *pgxpool.Pool
}

// NewRoundRepository creates a new round repository.
func NewRoundRepository(pool *pgxpool.Pool) *RoundRepository {
	return &RoundRepository{pool: pool}
}

// Insert writes a new round. A (room_id, round_number) collision surfaces
// as ErrDuplicateRound.
func (r *RoundRepository) Insert(ctx context.Context, round *models.Round) error {
	deckJSON, err := json.Marshal(round.DeckSnapshot)
	if err != nil {
		return fmt.Errorf("encode deck snapshot: %w", err)
	}
	query := `
		INSERT INTO round (round_id, room_id, round_number, story_title, started_at, deck_snapshot, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		round.ID, round.RoomID, round.RoundNumber, round.StoryTitle,
		round.StartedAt, deckJSON, round.State,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRound
		}
		return err
	}
	return nil
}

// UpdateState transitions a round conditionally on its prior state; a miss
// surfaces as ErrStaleRound so the actor can re-read and retry once.
func (r *RoundRepository) UpdateState(ctx context.Context, round *models.Round, priorState models.RoundState) error {
	query := `
		UPDATE round
		SET state = $2, revealed_at = $3, average = $4, median = $5, consensus_reached = $6
		WHERE round_id = $1 AND state = $7
	`
	tag, err := r.pool.Exec(ctx, query,
		round.ID, round.State, round.RevealedAt, round.Average, round.Median,
		round.ConsensusReached, priorState,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleRound
	}
	return nil
}

// FindOpenByRoom returns the room's non-terminal round, if any.
func (r *RoundRepository) FindOpenByRoom(ctx context.Context, roomID string) (*models.Round, error) {
	query := `
		SELECT round_id, room_id, round_number, story_title, started_at, revealed_at,
		       average, median, consensus_reached, deck_snapshot, state
		FROM round
		WHERE room_id = $1 AND state = 'open'
		ORDER BY round_number DESC
		LIMIT 1
	`

	var round models.Round
	var deckJSON []byte
	err := r.pool.QueryRow(ctx, query, roomID).Scan(
		&round.ID, &round.RoomID, &round.RoundNumber, &round.StoryTitle,
		&round.StartedAt, &round.RevealedAt, &round.Average, &round.Median,
		&round.ConsensusReached, &deckJSON, &round.State,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(deckJSON, &round.DeckSnapshot); err != nil {
		return nil, fmt.Errorf("decode deck snapshot: %w", err)
	}
	return &round, nil
}

// MaxRoundNumber returns the highest round number used in a room, 0 if none.
func (r *RoundRepository) MaxRoundNumber(ctx context.Context, roomID string) (int, error) {
	var max int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(round_number), 0) FROM round WHERE room_id = $1`,
		roomID,
	).Scan(&max)
	return max, err
}
