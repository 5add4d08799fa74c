// Package ratelimit provides the token buckets applied to room connections:
// a general per-connection bucket covering every inbound message, and a
// stricter per-participant bucket for chat.
package ratelimit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/pointdeck/backend/internal/config"
)

// ConnectionLimiter enforces the inbound message budget for one connection.
// Chat gets its own, stricter bucket on top of the general one; both are
// consulted before a chat message is accepted, and the general token is
// spent even when the chat bucket rejects.
type ConnectionLimiter struct {
	general *rate.Limiter
	chat    *rate.Limiter
}

// New creates the buckets for one connection. Both start full, so a client
// may legitimately burst up to the cap right after connecting.
func New(cfg config.LimitsConfig) *ConnectionLimiter {
	perMessage := rate.Every(time.Minute / time.Duration(cfg.MessagesPerMinute))
	perChat := rate.Every(cfg.ChatWindow / time.Duration(cfg.ChatMessages))

	return &ConnectionLimiter{
		general: rate.NewLimiter(perMessage, cfg.MessagesPerMinute),
		chat:    rate.NewLimiter(perChat, cfg.ChatMessages),
	}
}

// AllowMessage spends one token from the general bucket. A false return
// means the frame must be rejected with a rate-limit error and dropped.
func (l *ConnectionLimiter) AllowMessage() bool {
	return l.general.Allow()
}

// AllowChat spends one token from the chat bucket. Callers must have
// already charged the general bucket for the frame.
func (l *ConnectionLimiter) AllowChat() bool {
	return l.chat.Allow()
}
