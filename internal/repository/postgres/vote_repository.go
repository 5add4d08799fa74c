package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pointdeck/backend/internal/models"
)

// VoteRepository persists votes. The (round_id, participant_id) primary key
// is the at-most-one-vote invariant's durable enforcement.
type VoteRepository struct {
	pool *pgxpool.Pool
}

// NewVoteRepository creates a new vote repository.
func NewVoteRepository(pool *pgxpool.Pool) *VoteRepository {
	return &VoteRepository{pool: pool}
}

// Insert writes a vote. A duplicate key surfaces as ErrDuplicateVote.
func (r *VoteRepository) Insert(ctx context.Context, v *models.Vote) error {
	query := `
		INSERT INTO vote (round_id, participant_id, card_value, voted_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.pool.Exec(ctx, query, v.RoundID, v.ParticipantID, v.CardValue, v.VotedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateVote
		}
		return err
	}
	return nil
}

// ListByRound returns all votes for a round in voted_at order.
func (r *VoteRepository) ListByRound(ctx context.Context, roundID uuid.UUID) ([]*models.Vote, error) {
	query := `
		SELECT round_id, participant_id, card_value, voted_at
		FROM vote
		WHERE round_id = $1
		ORDER BY voted_at ASC
	`

	rows, err := r.pool.Query(ctx, query, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []*models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.RoundID, &v.ParticipantID, &v.CardValue, &v.VotedAt); err != nil {
			return nil, err
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}
