package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateVote is returned when the (round_id, participant_id)
	// primary key rejects a second vote. The actor maps it to the
	// already-voted branch.
	ErrDuplicateVote = errors.New("duplicate vote")
	// ErrDuplicateRound is returned on a (room_id, round_number) collision,
	// a lost race the actor resolves by re-reading and retrying once.
	ErrDuplicateRound = errors.New("duplicate round number")
	// ErrStaleRound is returned when an optimistic round update matched no
	// row because the prior state changed underneath us.
	ErrStaleRound = errors.New("stale round state")
)

// uniqueViolation is the PostgreSQL SQLSTATE for constraint 23505.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
