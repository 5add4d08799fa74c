package handlers

import (
	"log/slog"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pointdeck/backend/internal/auth"
	"github.com/pointdeck/backend/internal/clock"
	"github.com/pointdeck/backend/internal/config"
	"github.com/pointdeck/backend/internal/protocol"
	"github.com/pointdeck/backend/internal/repository/postgres"
	"github.com/pointdeck/backend/internal/room"
	ws "github.com/pointdeck/backend/internal/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is enforced by the CORS layer in front; browsers cannot
		// forge the upgrade token either way.
		return true
	},
}

// roomIDPattern matches the 6-char opaque room codes issued by the CRUD
// surface.
var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{6}$`)

// WebSocketHandler is the transport gateway: it accepts upgrades at
// /ws/room/{roomId}, validates the bearer token, checks the room and the
// principal's permission to join, and hands the connection to a new
// session. It never sends room.state; that is the actor's reply to join.
type WebSocketHandler struct {
	rooms     *postgres.RoomRepository
	validator *auth.TokenValidator
	resolver  *auth.Resolver
	hub       *ws.Hub
	actors    *room.Manager
	clk       clock.Clock
	cfg       *config.Config
	draining  atomic.Bool
}

// NewWebSocketHandler creates the gateway.
func NewWebSocketHandler(rooms *postgres.RoomRepository, validator *auth.TokenValidator, resolver *auth.Resolver, hub *ws.Hub, actors *room.Manager, clk clock.Clock, cfg *config.Config) *WebSocketHandler {
	return &WebSocketHandler{
		rooms:     rooms,
		validator: validator,
		resolver:  resolver,
		hub:       hub,
		actors:    actors,
		clk:       clk,
		cfg:       cfg,
	}
}

// StopAccepting makes the gateway refuse new upgrades during drain.
func (h *WebSocketHandler) StopAccepting() {
	h.draining.Store(true)
}

// HandleConnection runs the gateway steps in order, each fatal on failure.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	roomID := chi.URLParam(r, "roomId")
	if !roomIDPattern.MatchString(roomID) {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway: upgrade failed", "err", err)
		return
	}

	claims, err := h.validator.Validate(r.URL.Query().Get("token"))
	if err != nil {
		rejectUpgrade(conn, protocol.NewWireError(protocol.CodeUnauthorized, "invalid or expired token"))
		return
	}
	principal := h.resolver.ResolvePrincipal(claims)

	rm, err := h.rooms.FindByID(r.Context(), roomID)
	if err != nil || rm.Deleted() {
		rejectUpgrade(conn, protocol.NewWireError(protocol.CodeRoomNotFound, "room not found"))
		return
	}

	if werr := h.resolver.CanJoin(rm, principal); werr != nil {
		rejectUpgrade(conn, werr)
		return
	}

	tokenExp := time.Time{}
	if claims.ExpiresAt != nil {
		tokenExp = claims.ExpiresAt.Time
	}

	session := ws.NewSession(conn, h.hub, h.actors, h.resolver, h.clk, h.cfg, roomID, principal, tokenExp)
	session.Start()

	slog.Debug("gateway: connection accepted",
		"roomId", roomID,
		"anonymous", principal.Anonymous(),
		"tier", string(principal.Tier),
	)
}

// rejectUpgrade sends an error.v1 frame on the fresh connection and closes
// with a policy-violation close code.
func rejectUpgrade(conn *websocket.Conn, werr *protocol.WireError) {
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, protocol.EncodeError("", werr))
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, werr.Message)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}
