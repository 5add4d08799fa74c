package auth

import (
	"github.com/google/uuid"

	"github.com/pointdeck/backend/internal/models"
	"github.com/pointdeck/backend/internal/protocol"
)

// Principal is the resolved identity bound to a connection.
type Principal struct {
	UserID *uuid.UUID
	Email  string
	Tier   models.Tier
}

// Anonymous reports whether the token carried no subject.
func (p Principal) Anonymous() bool {
	return p.UserID == nil
}

// Resolver maps validated claims to a Principal and answers join and
// per-message authorization questions.
type Resolver struct{}

// NewResolver creates an AuthZ resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolvePrincipal converts validated claims into a Principal. An empty or
// unparseable subject yields an anonymous principal.
func (r *Resolver) ResolvePrincipal(claims *Claims) Principal {
	p := Principal{Email: claims.Email, Tier: claims.Tier}
	if p.Tier == "" {
		p.Tier = models.TierFree
	}
	if id, err := uuid.Parse(claims.Subject); err == nil {
		p.UserID = &id
	}
	return p
}

// CanJoin decides whether the principal may attach to the room given its
// privacy mode. Anonymous principals are only admitted to public rooms;
// invite-only and org-restricted rooms require a subject, with ownership
// always sufficient.
func (r *Resolver) CanJoin(room *models.Room, p Principal) *protocol.WireError {
	switch room.PrivacyMode {
	case models.PrivacyPublic:
		return nil
	case models.PrivacyInviteOnly, models.PrivacyOrgRestricted:
		if p.Anonymous() {
			return protocol.NewWireError(protocol.CodeForbidden, "room requires an authenticated user")
		}
		return nil
	default:
		return protocol.NewWireError(protocol.CodeForbidden, "unknown privacy mode")
	}
}

// gate is one row of the per-message authorization table.
type gate struct {
	roles   []models.Role
	minTier models.Tier
}

// messageGates is applied uniformly to every inbound message before the
// room actor sees the command. Join is handled by CanJoin instead.
var messageGates = map[string]gate{
	protocol.TypeRoomLeave:         {roles: nil, minTier: models.TierFree},
	protocol.TypeRoundStart:        {roles: []models.Role{models.RoleHost}, minTier: models.TierFree},
	protocol.TypeVoteCast:          {roles: []models.Role{models.RoleHost, models.RoleVoter}, minTier: models.TierFree},
	protocol.TypeRoundReveal:       {roles: []models.Role{models.RoleHost}, minTier: models.TierFree},
	protocol.TypeRoundReset:        {roles: []models.Role{models.RoleHost}, minTier: models.TierFree},
	protocol.TypeChatSend:          {roles: nil, minTier: models.TierFree},
	protocol.TypePresenceHeartbeat: {roles: nil, minTier: models.TierFree},
}

// RoundTimerMinTier gates the advisory round timer on round.start.v1.
const RoundTimerMinTier = models.TierPro

// Authorize checks the gating table for one inbound message. A nil role
// list admits every role.
func (r *Resolver) Authorize(msgType string, role models.Role, tier models.Tier) *protocol.WireError {
	g, ok := messageGates[msgType]
	if !ok {
		return protocol.NewWireError(protocol.CodeValidation, "unknown message type")
	}
	if !tier.AtLeast(g.minTier) {
		return protocol.NewWireError(protocol.CodeForbidden, "subscription tier does not allow this operation")
	}
	if g.roles == nil {
		return nil
	}
	for _, allowed := range g.roles {
		if role == allowed {
			return nil
		}
	}
	return protocol.NewWireError(protocol.CodeForbidden, "role "+string(role)+" may not send "+msgType)
}
