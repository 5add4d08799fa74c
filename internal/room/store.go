package room

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pointdeck/backend/internal/models"
	"github.com/pointdeck/backend/internal/repository/postgres"
)

// Store errors surfaced to the actor. The postgres adapter maps driver
// errors onto these; fakes in tests return them directly.
var (
	ErrNotFound       = errors.New("room: not found")
	ErrDuplicateVote  = errors.New("room: duplicate vote")
	ErrDuplicateRound = errors.New("room: duplicate round number")
	ErrStaleRound     = errors.New("room: stale round state")
)

// Store is the state-store surface the actor depends on. The actor treats
// it as the system of record; critical writes (vote, round transitions) are
// confirmed before the corresponding broadcast.
type Store interface {
	LoadRoom(ctx context.Context, roomID string) (*models.Room, error)
	TouchRoomActive(ctx context.Context, roomID string, at time.Time) error
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	ListConnectedParticipants(ctx context.Context, roomID string) ([]*models.Participant, error)
	InsertRound(ctx context.Context, round *models.Round) error
	UpdateRound(ctx context.Context, round *models.Round, priorState models.RoundState) error
	FindOpenRound(ctx context.Context, roomID string) (*models.Round, error)
	MaxRoundNumber(ctx context.Context, roomID string) (int, error)
	InsertVote(ctx context.Context, v *models.Vote) error
	ListVotes(ctx context.Context, roundID uuid.UUID) ([]*models.Vote, error)
	AppendSessionHistory(ctx context.Context, h *models.SessionHistory) error
}

// PostgresStore adapts the pgx repositories to the Store interface.
type PostgresStore struct {
	rooms        *postgres.RoomRepository
	participants *postgres.ParticipantRepository
	rounds       *postgres.RoundRepository
	votes        *postgres.VoteRepository
	history      *postgres.SessionHistoryRepository
}

// NewPostgresStore wires the repositories behind the Store interface.
func NewPostgresStore(
	rooms *postgres.RoomRepository,
	participants *postgres.ParticipantRepository,
	rounds *postgres.RoundRepository,
	votes *postgres.VoteRepository,
	history *postgres.SessionHistoryRepository,
) *PostgresStore {
	return &PostgresStore{
		rooms:        rooms,
		participants: participants,
		rounds:       rounds,
		votes:        votes,
		history:      history,
	}
}

func (s *PostgresStore) LoadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := s.rooms.FindByID(ctx, roomID)
	return room, mapStoreErr(err)
}

func (s *PostgresStore) TouchRoomActive(ctx context.Context, roomID string, at time.Time) error {
	return mapStoreErr(s.rooms.TouchLastActive(ctx, roomID, at))
}

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	return mapStoreErr(s.participants.Upsert(ctx, p))
}

func (s *PostgresStore) ListConnectedParticipants(ctx context.Context, roomID string) ([]*models.Participant, error) {
	list, err := s.participants.ListConnectedByRoom(ctx, roomID)
	return list, mapStoreErr(err)
}

func (s *PostgresStore) InsertRound(ctx context.Context, round *models.Round) error {
	return mapStoreErr(s.rounds.Insert(ctx, round))
}

func (s *PostgresStore) UpdateRound(ctx context.Context, round *models.Round, priorState models.RoundState) error {
	return mapStoreErr(s.rounds.UpdateState(ctx, round, priorState))
}

func (s *PostgresStore) FindOpenRound(ctx context.Context, roomID string) (*models.Round, error) {
	round, err := s.rounds.FindOpenByRoom(ctx, roomID)
	return round, mapStoreErr(err)
}

func (s *PostgresStore) MaxRoundNumber(ctx context.Context, roomID string) (int, error) {
	n, err := s.rounds.MaxRoundNumber(ctx, roomID)
	return n, mapStoreErr(err)
}

func (s *PostgresStore) InsertVote(ctx context.Context, v *models.Vote) error {
	return mapStoreErr(s.votes.Insert(ctx, v))
}

func (s *PostgresStore) ListVotes(ctx context.Context, roundID uuid.UUID) ([]*models.Vote, error) {
	list, err := s.votes.ListByRound(ctx, roundID)
	return list, mapStoreErr(err)
}

func (s *PostgresStore) AppendSessionHistory(ctx context.Context, h *models.SessionHistory) error {
	return mapStoreErr(s.history.Append(ctx, h))
}

// mapStoreErr translates repository sentinels so the actor never imports
// the driver layer.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, postgres.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, postgres.ErrDuplicateVote):
		return ErrDuplicateVote
	case errors.Is(err, postgres.ErrDuplicateRound):
		return ErrDuplicateRound
	case errors.Is(err, postgres.ErrStaleRound):
		return ErrStaleRound
	default:
		return err
	}
}
