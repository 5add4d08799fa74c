package protocol

import (
	"time"

	"github.com/pointdeck/backend/internal/models"
)

// Client → server message types (the full v1 surface).
const (
	TypeRoomJoin          = "room.join.v1"
	TypeRoomLeave         = "room.leave.v1"
	TypeRoundStart        = "round.start.v1"
	TypeVoteCast          = "vote.cast.v1"
	TypeRoundReveal       = "round.reveal.v1"
	TypeRoundReset        = "round.reset.v1"
	TypeChatSend          = "chat.send.v1"
	TypePresenceHeartbeat = "presence.heartbeat.v1"
)

// Server → client message types.
const (
	TypeRoomState               = "room.state.v1"
	TypeParticipantJoined       = "room.participant_joined.v1"
	TypeParticipantLeft         = "room.participant_left.v1"
	TypeParticipantDisconnected = "room.participant_disconnected.v1"
	TypeRoundStarted            = "round.started.v1"
	TypeVoteRecorded            = "vote.recorded.v1"
	TypeRoundRevealed           = "round.revealed.v1"
	TypeRoundWasReset           = "round.reset.v1"
	TypeChatMessage             = "chat.message.v1"
	TypePresenceUpdate          = "presence.update.v1"
	TypeError                   = "error.v1"

	// TypeServerShutdown announces a graceful drain before close 1001.
	TypeServerShutdown = "server.shutdown.v1"
)

// JoinPayload is the body of room.join.v1. LastEventID enables replay on
// reconnection within the grace window.
type JoinPayload struct {
	DisplayName string      `json:"displayName"`
	Role        models.Role `json:"role,omitempty"`
	LastEventID *uint64     `json:"lastEventId,omitempty"`
}

// StartRoundPayload is the body of round.start.v1.
type StartRoundPayload struct {
	StoryTitle   *string `json:"storyTitle,omitempty"`
	TimerSeconds int     `json:"timerSeconds,omitempty"`
}

// CastVotePayload is the body of vote.cast.v1.
type CastVotePayload struct {
	CardValue string `json:"cardValue"`
}

// ResetRoundPayload is the body of round.reset.v1.
type ResetRoundPayload struct {
	ClearVotes bool `json:"clearVotes"`
}

// ChatSendPayload is the body of chat.send.v1.
type ChatSendPayload struct {
	Message string  `json:"message"`
	ReplyTo *string `json:"replyTo,omitempty"`
}

// ParticipantView is the participant shape embedded in broadcasts.
type ParticipantView struct {
	ParticipantID string      `json:"participantId"`
	UserID        string      `json:"userId,omitempty"`
	DisplayName   string      `json:"displayName"`
	Role          models.Role `json:"role"`
	ConnectedAt   time.Time   `json:"connectedAt"`
	Connected     bool        `json:"connected"`
	HasVoted      bool        `json:"hasVoted"`
}

// RoundView is the round shape embedded in broadcasts. Votes are only
// populated once the round is revealed.
type RoundView struct {
	RoundID      string                  `json:"roundId"`
	RoundNumber  int                     `json:"roundNumber"`
	StoryTitle   *string                 `json:"storyTitle,omitempty"`
	State        models.RoundState       `json:"state"`
	StartedAt    time.Time               `json:"startedAt"`
	RevealedAt   *time.Time              `json:"revealedAt,omitempty"`
	EndsAt       *time.Time              `json:"endsAt,omitempty"`
	DeckSnapshot []string                `json:"deckSnapshot"`
	Votes        []RevealedVote          `json:"votes,omitempty"`
	Statistics   *models.RoundStatistics `json:"statistics,omitempty"`
}

// RevealedVote pairs a participant with their disclosed card value.
type RevealedVote struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	CardValue     string `json:"cardValue"`
}

// RoomStatePayload is the snapshot sent to a client on successful join.
type RoomStatePayload struct {
	RoomID        string            `json:"roomId"`
	Title         string            `json:"title"`
	ParticipantID string            `json:"participantId"`
	Deck          []string          `json:"deck"`
	Participants  []ParticipantView `json:"participants"`
	Round         *RoundView        `json:"round,omitempty"`
	LastEventID   uint64            `json:"lastEventId"`
	FullResync    bool              `json:"fullResync,omitempty"`
}

// ParticipantJoinedPayload is the body of room.participant_joined.v1.
type ParticipantJoinedPayload struct {
	Participant ParticipantView `json:"participant"`
}

// ParticipantLeftPayload is the body of room.participant_left.v1.
type ParticipantLeftPayload struct {
	ParticipantID string `json:"participantId"`
	Reason        string `json:"reason,omitempty"`
}

// ParticipantDisconnectedPayload is the body of
// room.participant_disconnected.v1. GraceDeadline tells clients how long the
// participant may still reconnect.
type ParticipantDisconnectedPayload struct {
	ParticipantID string    `json:"participantId"`
	GraceDeadline time.Time `json:"graceDeadline"`
}

// RoundStartedPayload is the body of round.started.v1.
type RoundStartedPayload struct {
	Round RoundView `json:"round"`
}

// VoteRecordedPayload is the body of vote.recorded.v1. CardValue is always
// empty before reveal; the value is only disclosed in round.revealed.v1.
type VoteRecordedPayload struct {
	RoundID       string `json:"roundId"`
	ParticipantID string `json:"participantId"`
	CardValue     string `json:"cardValue"`
	VoteCount     int    `json:"voteCount"`
}

// RoundRevealedPayload is the body of round.revealed.v1.
type RoundRevealedPayload struct {
	Round      RoundView              `json:"round"`
	Votes      []RevealedVote         `json:"votes"`
	Statistics models.RoundStatistics `json:"statistics"`
}

// RoundResetPayload is the body of round.reset.v1 (server → client).
type RoundResetPayload struct {
	ClosedRoundID string     `json:"closedRoundId"`
	NewRound      *RoundView `json:"newRound,omitempty"`
}

// ChatMessagePayload is the body of chat.message.v1.
type ChatMessagePayload struct {
	MessageID     string    `json:"messageId"`
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	Message       string    `json:"message"`
	ReplyTo       *string   `json:"replyTo,omitempty"`
	SentAt        time.Time `json:"sentAt"`
}

// PresenceUpdatePayload is the body of presence.update.v1. It carries role
// changes (host migration) and advisory round-timer expiry.
type PresenceUpdatePayload struct {
	ParticipantID string      `json:"participantId,omitempty"`
	Role          models.Role `json:"role,omitempty"`
	TimerExpired  bool        `json:"timerExpired,omitempty"`
}

// ServerShutdownPayload is the body of server.shutdown.v1.
type ServerShutdownPayload struct {
	Reason       string `json:"reason"`
	DrainSeconds int    `json:"drainSeconds"`
}
