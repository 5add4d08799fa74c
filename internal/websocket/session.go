package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pointdeck/backend/internal/auth"
	"github.com/pointdeck/backend/internal/clock"
	"github.com/pointdeck/backend/internal/config"
	"github.com/pointdeck/backend/internal/models"
	"github.com/pointdeck/backend/internal/protocol"
	"github.com/pointdeck/backend/internal/ratelimit"
	"github.com/pointdeck/backend/internal/room"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

type sessionState int

const (
	stateConnected sessionState = iota
	stateJoined
	stateClosed
)

type closeRequest struct {
	code   int
	reason string
}

// Session owns one client connection: inbound decode, authorization, the
// join-deadline, heartbeat and token-expiry timers, and the outbound write
// pump. Inbound handling is strictly sequential; outbound frames are
// delivered in the order they were enqueued.
type Session struct {
	conn     *websocket.Conn
	hub      *Hub
	actors   *room.Manager
	resolver *auth.Resolver
	limiter  *ratelimit.ConnectionLimiter
	dedup    *dedupCache
	clk      clock.Clock
	limits   config.LimitsConfig
	log      *slog.Logger

	roomID    string
	principal auth.Principal
	tokenExp  time.Time

	mu            sync.Mutex
	state         sessionState
	role          models.Role
	participantID string
	left          bool // explicit leave; skip the grace path on teardown

	send     chan []byte
	closeReq chan closeRequest
	done     chan struct{}

	joinTimer      clock.Timer
	heartbeatTimer clock.Timer
	expiryTimer    clock.Timer
}

// NewSession binds an upgraded connection to a room and principal.
func NewSession(conn *websocket.Conn, hub *Hub, actors *room.Manager, resolver *auth.Resolver, clk clock.Clock, cfg *config.Config, roomID string, principal auth.Principal, tokenExp time.Time) *Session {
	return &Session{
		conn:      conn,
		hub:       hub,
		actors:    actors,
		resolver:  resolver,
		limiter:   ratelimit.New(cfg.Limits),
		dedup:     newDedupCache(cfg.Limits.DedupSize, cfg.Limits.DedupTTL),
		clk:       clk,
		limits:    cfg.Limits,
		log:       slog.With("roomId", roomID),
		roomID:    roomID,
		principal: principal,
		tokenExp:  tokenExp,
		send:      make(chan []byte, sendBuffer),
		closeReq:  make(chan closeRequest, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the pumps and arms the join deadline and token expiry.
func (s *Session) Start() {
	s.joinTimer = s.clk.AfterFunc(s.limits.JoinDeadline, s.joinDeadlineExpired)
	if !s.tokenExp.IsZero() {
		ttl := s.tokenExp.Sub(s.clk.Now())
		s.expiryTimer = s.clk.AfterFunc(ttl, s.tokenExpired)
	}
	go s.writePump()
	go s.readPump()
}

// enqueue queues an outbound frame. False means the buffer is full.
func (s *Session) enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return true // closing; drop silently
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) sendError(requestID string, werr *protocol.WireError) {
	s.enqueue(protocol.EncodeError(requestID, werr))
}

// requestClose asks the write pump to drain queued frames and close.
func (s *Session) requestClose(code int, reason string) {
	select {
	case s.closeReq <- closeRequest{code: code, reason: reason}:
	default:
	}
}

func (s *Session) closeSlow() {
	s.requestClose(websocket.ClosePolicyViolation, "send buffer overflow")
}

func (s *Session) closeGoingAway() {
	s.requestClose(websocket.CloseGoingAway, "server shutting down")
}

func (s *Session) joinDeadlineExpired() {
	s.mu.Lock()
	expired := s.state == stateConnected
	s.mu.Unlock()
	if !expired {
		return
	}
	s.sendError("", protocol.NewWireError(protocol.CodePolicyViolation, "no join received within deadline"))
	s.requestClose(websocket.ClosePolicyViolation, "join deadline")
}

func (s *Session) heartbeatExpired() {
	s.sendError("", protocol.NewWireError(protocol.CodePolicyViolation, "heartbeat timeout"))
	s.requestClose(websocket.CloseGoingAway, "heartbeat timeout")
}

func (s *Session) tokenExpired() {
	s.sendError("", protocol.NewWireError(protocol.CodeUnauthorized, "access token expired"))
	s.requestClose(websocket.CloseGoingAway, "token expired")
}

// resetHeartbeat re-arms the 60s heartbeat window. Called on ping control
// frames and presence.heartbeat.v1 messages.
func (s *Session) resetHeartbeat() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	s.heartbeatTimer = s.clk.AfterFunc(s.limits.HeartbeatTimeout, s.heartbeatExpired)
}

func (s *Session) readPump() {
	defer s.teardown()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPingHandler(func(appData string) error {
		s.mu.Lock()
		joined := s.state == stateJoined
		s.mu.Unlock()
		if joined {
			s.resetHeartbeat()
		}
		return s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Debug("session: read error", "err", err)
			}
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) writePump() {
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case req := <-s.closeReq:
			// Flush what is already queued so error frames precede the close.
			for {
				select {
				case frame := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(req.code, req.reason)
			_ = s.conn.WriteMessage(websocket.CloseMessage, msg)
			return
		case <-s.done:
			return
		}
	}
}

// handleFrame processes one inbound frame. Strictly sequential per
// connection: decode, authorize, forward, reply.
func (s *Session) handleFrame(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		// Malformed frames draw 4004 with no requestId echo.
		s.sendError("", protocol.NewWireError(protocol.CodeValidation, "malformed frame"))
		return
	}

	if !s.limiter.AllowMessage() {
		s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeRateLimitExceeded, "message rate limit exceeded"))
		return
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case stateConnected:
		if env.Type != protocol.TypeRoomJoin {
			s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeInvalidState, "join the room first"))
			return
		}
		s.handleJoin(env)
	case stateJoined:
		s.handleJoined(env)
	default:
	}
}

func (s *Session) handleJoin(env protocol.Envelope) {
	var payload protocol.JoinPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeValidation, "invalid join payload"))
		return
	}
	if payload.DisplayName == "" || len(payload.DisplayName) > 64 {
		s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeValidation, "displayName must be 1-64 characters"))
		return
	}

	ctx := context.Background()
	actor, err := s.actors.Get(ctx, s.roomID)
	if err != nil {
		s.sendError(env.RequestID, joinError(err))
		return
	}

	res, err := actor.Register(ctx, room.RegisterParams{
		Principal:   s.principal,
		DisplayName: payload.DisplayName,
		Role:        payload.Role,
		RequestID:   env.RequestID,
		LastEventID: payload.LastEventID,
		Attach:      func(r *room.RegisterResult) { s.attach(env.RequestID, r) },
		OnRoleChange: func(role models.Role) {
			s.mu.Lock()
			s.role = role
			s.mu.Unlock()
		},
	})
	if err != nil {
		s.sendError(env.RequestID, joinError(err))
		return
	}

	s.mu.Lock()
	s.state = stateJoined
	s.role = res.Participant.Role
	s.participantID = res.Participant.ID
	s.mu.Unlock()
	s.log = s.log.With("participantId", res.Participant.ID)

	if s.joinTimer != nil {
		s.joinTimer.Stop()
	}
	s.resetHeartbeat()
}

// attach runs on the actor goroutine between registration and the join
// broadcast: it queues the snapshot and replay, then registers with the hub
// so subsequent broadcasts arrive in order with no gap.
func (s *Session) attach(requestID string, res *room.RegisterResult) {
	frame, err := protocol.Encode(protocol.TypeRoomState, requestID, res.State)
	if err != nil {
		s.log.Error("session: encode room state failed", "err", err)
		s.sendError(requestID, protocol.NewWireError(protocol.CodeInternal, "internal error"))
		s.requestClose(websocket.CloseInternalServerErr, "encode failure")
		return
	}
	s.enqueue(frame)

	for _, ev := range res.Replay {
		replayFrame, err := protocol.EncodeEvent(ev.Type, ev.RequestID, ev.EventID, json.RawMessage(ev.Payload))
		if err != nil {
			s.log.Warn("session: encode replay frame failed", "eventId", ev.EventID, "err", err)
			continue
		}
		s.enqueue(replayFrame)
	}

	s.hub.Attach(s.roomID, s)
}

func (s *Session) handleJoined(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRoomJoin:
		s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeInvalidState, "already joined"))
		return
	case protocol.TypePresenceHeartbeat:
		s.resetHeartbeat()
		return
	}

	s.mu.Lock()
	role := s.role
	pid := s.participantID
	s.mu.Unlock()

	if werr := s.resolver.Authorize(env.Type, role, s.principal.Tier); werr != nil {
		s.sendError(env.RequestID, werr)
		return
	}

	if cached, ok := s.dedup.Get(env.RequestID); ok {
		s.enqueue(cached)
		return
	}

	ctx := context.Background()
	actor, err := s.actors.Get(ctx, s.roomID)
	if err != nil {
		s.sendError(env.RequestID, joinError(err))
		return
	}

	var (
		ack  []byte
		cerr error
	)
	switch env.Type {
	case protocol.TypeRoomLeave:
		if err := actor.Leave(ctx, pid, "left"); err != nil {
			s.log.Warn("session: leave failed", "err", err)
		}
		s.mu.Lock()
		s.left = true
		s.mu.Unlock()
		s.requestClose(websocket.CloseNormalClosure, "left room")
		return

	case protocol.TypeRoundStart:
		var p protocol.StartRoundPayload
		if err := env.DecodePayload(&p); err != nil {
			s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeValidation, "invalid payload"))
			return
		}
		if p.TimerSeconds > 0 && !s.principal.Tier.AtLeast(auth.RoundTimerMinTier) {
			s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeForbidden, "round timer requires a pro subscription"))
			return
		}
		ack, cerr = actor.StartRound(ctx, pid, env.RequestID, p.StoryTitle, p.TimerSeconds)

	case protocol.TypeVoteCast:
		var p protocol.CastVotePayload
		if err := env.DecodePayload(&p); err != nil {
			s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeValidation, "invalid payload"))
			return
		}
		ack, cerr = actor.CastVote(ctx, pid, env.RequestID, p.CardValue)

	case protocol.TypeRoundReveal:
		ack, cerr = actor.Reveal(ctx, pid, env.RequestID)

	case protocol.TypeRoundReset:
		var p protocol.ResetRoundPayload
		if len(env.Payload) > 0 {
			if err := env.DecodePayload(&p); err != nil {
				s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeValidation, "invalid payload"))
				return
			}
		}
		ack, cerr = actor.ResetRound(ctx, pid, env.RequestID, p.ClearVotes)

	case protocol.TypeChatSend:
		var p protocol.ChatSendPayload
		if err := env.DecodePayload(&p); err != nil {
			s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeValidation, "invalid payload"))
			return
		}
		if !s.limiter.AllowChat() {
			s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeRateLimitExceeded, "chat rate limit exceeded"))
			return
		}
		ack, cerr = actor.Chat(ctx, pid, env.RequestID, p.Message, p.ReplyTo)

	default:
		s.sendError(env.RequestID, protocol.NewWireError(protocol.CodeValidation, "unknown message type"))
		return
	}

	if cerr != nil {
		werr := asWireError(cerr)
		frame := protocol.EncodeError(env.RequestID, werr)
		s.dedup.Put(env.RequestID, frame)
		s.enqueue(frame)
		return
	}
	// The broadcast echoing this requestId is the success reply; cache it
	// so a duplicate resolves to the original result without re-applying.
	s.dedup.Put(env.RequestID, ack)
}

// teardown runs when the read pump exits for any reason.
func (s *Session) teardown() {
	s.mu.Lock()
	wasJoined := s.state == stateJoined
	left := s.left
	pid := s.participantID
	s.state = stateClosed
	s.mu.Unlock()

	if s.joinTimer != nil {
		s.joinTimer.Stop()
	}
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}

	if wasJoined {
		s.hub.Detach(s.roomID, s)
		if !left {
			// Ungraceful close: the participant enters the grace window and
			// may heal by rejoining with a lastEventId.
			if actor, err := s.actors.Get(context.Background(), s.roomID); err == nil {
				if err := actor.Disconnect(context.Background(), pid); err != nil {
					s.log.Warn("session: disconnect signal failed", "err", err)
				}
			}
		}
	}

	close(s.done)
	_ = s.conn.Close()
}

// joinError maps store/manager failures to wire errors.
func joinError(err error) *protocol.WireError {
	var werr *protocol.WireError
	if errors.As(err, &werr) {
		return werr
	}
	if errors.Is(err, room.ErrNotFound) {
		return protocol.NewWireError(protocol.CodeRoomNotFound, "room not found")
	}
	return protocol.NewWireError(protocol.CodeInternal, "internal error")
}

func asWireError(err error) *protocol.WireError {
	var werr *protocol.WireError
	if errors.As(err, &werr) {
		return werr
	}
	return protocol.NewWireError(protocol.CodeInternal, "internal error")
}
