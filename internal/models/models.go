package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role represents a participant's role within a room
type Role string

const (
	RoleHost     Role = "host"
	RoleVoter    Role = "voter"
	RoleObserver Role = "observer"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleVoter, RoleObserver:
		return true
	}
	return false
}

// CanVote reports whether participants with this role may cast votes.
func (r Role) CanVote() bool {
	return r == RoleHost || r == RoleVoter
}

// PrivacyMode controls who may join a room
type PrivacyMode string

const (
	PrivacyPublic        PrivacyMode = "public"
	PrivacyInviteOnly    PrivacyMode = "invite-only"
	PrivacyOrgRestricted PrivacyMode = "org-restricted"
)

// Tier represents a subscription tier carried in the access token
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierProPlus    Tier = "pro_plus"
	TierEnterprise Tier = "enterprise"
)

// tierRank orders tiers for gating comparisons.
var tierRank = map[Tier]int{
	TierFree:       0,
	TierPro:        1,
	TierProPlus:    2,
	TierEnterprise: 3,
}

// AtLeast reports whether t is equal to or above the given tier.
func (t Tier) AtLeast(min Tier) bool {
	return tierRank[t] >= tierRank[min]
}

// RoundState represents the state of an estimation round
type RoundState string

const (
	RoundOpen     RoundState = "open"
	RoundRevealed RoundState = "revealed"
	RoundReset    RoundState = "reset"
)

// Terminal reports whether the round can no longer accept votes or transitions.
func (s RoundState) Terminal() bool {
	return s == RoundRevealed || s == RoundReset
}

// Room is the long-lived aggregate owned by the external CRUD surface.
// The core consults it read-only except for last_active_at.
type Room struct {
	ID           string      `json:"id" db:"id"`
	Title        string      `json:"title" db:"title"`
	OwnerUserID  string      `json:"ownerUserId" db:"owner_user_id"`
	PrivacyMode  PrivacyMode `json:"privacyMode" db:"privacy_mode"`
	Config       RoomConfig  `json:"config"`
	CreatedAt    time.Time   `json:"createdAt" db:"created_at"`
	LastActiveAt time.Time   `json:"lastActiveAt" db:"last_active_at"`
	DeletedAt    *time.Time  `json:"deletedAt,omitempty" db:"deleted_at"`
}

// Deleted reports whether the room is terminally deleted.
func (r *Room) Deleted() bool {
	return r.DeletedAt != nil
}

// RoomConfig holds per-room estimation settings.
type RoomConfig struct {
	DeckName           string `json:"deckName"`
	TimerSeconds       int    `json:"timerSeconds,omitempty"`
	AllowObserverChat  bool   `json:"allowObserverChat"`
	AutoRevealDisabled bool   `json:"autoRevealDisabled"`
}

// Participant is one attachment of a principal to a room.
// ParticipantID is stable for the session but new per connect.
type Participant struct {
	ID             string     `json:"participantId" db:"participant_id"`
	RoomID         string     `json:"roomId" db:"room_id"`
	UserID         *uuid.UUID `json:"userId,omitempty" db:"user_id"`
	DisplayName    string     `json:"displayName" db:"display_name"`
	Role           Role       `json:"role" db:"role"`
	ConnectedAt    time.Time  `json:"connectedAt" db:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty" db:"disconnected_at"`
	GraceDeadline  *time.Time `json:"-" db:"-"`
}

// Connected reports whether the participant currently has a live session.
func (p *Participant) Connected() bool {
	return p.DisconnectedAt == nil
}

// Round is one estimation cycle within a room.
type Round struct {
	ID               uuid.UUID  `json:"roundId" db:"round_id"`
	RoomID           string     `json:"roomId" db:"room_id"`
	RoundNumber      int        `json:"roundNumber" db:"round_number"`
	StoryTitle       *string    `json:"storyTitle,omitempty" db:"story_title"`
	StartedAt        time.Time  `json:"startedAt" db:"started_at"`
	RevealedAt       *time.Time `json:"revealedAt,omitempty" db:"revealed_at"`
	ConsensusReached *bool      `json:"consensusReached,omitempty" db:"consensus_reached"`
	Average          *float64   `json:"average,omitempty" db:"average"`
	Median           *float64   `json:"median,omitempty" db:"median"`
	DeckSnapshot     []string   `json:"deckSnapshot"`
	State            RoundState `json:"state" db:"state"`
}

// Vote is one participant's card for one round.
type Vote struct {
	RoundID       uuid.UUID `json:"roundId" db:"round_id"`
	ParticipantID string    `json:"participantId" db:"participant_id"`
	CardValue     string    `json:"cardValue" db:"card_value"`
	VotedAt       time.Time `json:"votedAt" db:"voted_at"`
}

// Event is an outbound broadcast retained for replay.
type Event struct {
	EventID     uint64          `json:"eventId"`
	RoomID      string          `json:"roomId"`
	Type        string          `json:"type"`
	RequestID   string          `json:"requestId,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// RoundStatistics is the aggregate disclosed on reveal.
type RoundStatistics struct {
	Average          *float64       `json:"average"`
	Median           *float64       `json:"median"`
	Mode             string         `json:"mode,omitempty"`
	ConsensusReached bool           `json:"consensusReached"`
	Distribution     map[string]int `json:"distribution"`
	TotalVotes       int            `json:"totalVotes"`
}

// SessionHistory is the append-only reveal summary for reporting.
type SessionHistory struct {
	SessionID        uuid.UUID `json:"sessionId" db:"session_id"`
	RoomID           string    `json:"roomId" db:"room_id"`
	StartedAt        time.Time `json:"startedAt" db:"started_at"`
	EndedAt          time.Time `json:"endedAt" db:"ended_at"`
	TotalRounds      int       `json:"totalRounds" db:"total_rounds"`
	TotalStories     int       `json:"totalStories" db:"total_stories"`
	SummaryStats     []byte    `json:"-" db:"summary_stats_json"`
	ParticipantsJSON []byte    `json:"-" db:"participants_json"`
}
