// Package room implements the per-room actor: the single logical owner of a
// room's participants, current round, votes, and event sequence. All
// mutations pass through the actor's command channel in a total order; the
// order events are emitted is the canonical order every observer sees.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pointdeck/backend/internal/auth"
	"github.com/pointdeck/backend/internal/bus"
	"github.com/pointdeck/backend/internal/clock"
	"github.com/pointdeck/backend/internal/config"
	"github.com/pointdeck/backend/internal/models"
	"github.com/pointdeck/backend/internal/protocol"
)

// ErrActorStopped is returned when a command is submitted to an actor that
// has unloaded. Callers re-resolve through the manager, which reloads.
var ErrActorStopped = errors.New("room: actor stopped")

// Broadcaster delivers an encoded frame to every local session attached to
// a room. Cross-node delivery goes through the bus.
type Broadcaster interface {
	BroadcastLocal(roomID string, frame []byte)
}

// Actor owns one room. It runs a single goroutine consuming closures from
// cmds; every public method submits a closure and waits for its reply.
type Actor struct {
	roomID string
	store  Store
	bcast  Broadcaster
	bus    bus.Bus
	clk    clock.Clock
	limits config.LimitsConfig
	log    *slog.Logger

	cmds chan func()
	done chan struct{}

	// Everything below is owned by the actor goroutine.
	room          *models.Room
	deck          models.Deck
	participants  map[string]*models.Participant
	round         *models.Round
	roundEndsAt   *time.Time
	votes         map[string]string // participantID -> cardValue, current round
	maxRound      int
	seq           uint64
	replay        *ReplayBuffer
	graceTimers   map[string]clock.Timer
	roundTimer    clock.Timer
	idleTimer     clock.Timer
	roleListeners map[string]func(models.Role)

	// onIdle is invoked (off the actor goroutine is fine; the manager only
	// drops the map entry) when the actor unloads itself.
	onIdle func(roomID string)
}

// loadActor hydrates an actor from the store and starts its loop.
func loadActor(ctx context.Context, roomID string, store Store, bcast Broadcaster, b bus.Bus, clk clock.Clock, limits config.LimitsConfig, onIdle func(string)) (*Actor, error) {
	rm, err := store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	connected, err := store.ListConnectedParticipants(ctx, roomID)
	if err != nil {
		return nil, err
	}

	maxRound, err := store.MaxRoundNumber(ctx, roomID)
	if err != nil {
		return nil, err
	}

	a := &Actor{
		roomID:        roomID,
		store:         store,
		bcast:         bcast,
		bus:           b,
		clk:           clk,
		limits:        limits,
		log:           slog.With("roomId", roomID),
		cmds:          make(chan func(), 64),
		done:          make(chan struct{}),
		room:          rm,
		deck:          models.DeckByName(rm.Config.DeckName),
		participants:  make(map[string]*models.Participant),
		votes:         make(map[string]string),
		maxRound:      maxRound,
		replay:        NewReplayBuffer(limits.ReplayDepth, limits.ReplayWindow),
		graceTimers:   make(map[string]clock.Timer),
		roleListeners: make(map[string]func(models.Role)),
		onIdle:        onIdle,
	}

	// Participants persisted as connected but with no live session on any
	// node (crash leftovers) are reconciled lazily: they reappear if they
	// reconnect, and a fresh join replaces them otherwise.
	for _, p := range connected {
		a.participants[p.ID] = p
	}

	open, err := store.FindOpenRound(ctx, roomID)
	switch {
	case err == nil:
		a.round = open
		votes, err := store.ListVotes(ctx, open.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range votes {
			a.votes[v.ParticipantID] = v.CardValue
		}
	case errors.Is(err, ErrNotFound):
		// no open round
	default:
		return nil, err
	}

	go a.run()
	return a, nil
}

func (a *Actor) run() {
	for {
		select {
		case fn := <-a.cmds:
			fn()
		case <-a.done:
			return
		}
	}
}

// do submits a closure to the actor goroutine and waits for completion.
func (a *Actor) do(ctx context.Context, fn func()) error {
	doneCh := make(chan struct{})
	wrapped := func() {
		defer close(doneCh)
		fn()
	}
	select {
	case a.cmds <- wrapped:
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-doneCh:
		return nil
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post submits a closure without waiting; used by timer callbacks.
func (a *Actor) post(fn func()) {
	select {
	case a.cmds <- fn:
	case <-a.done:
	}
}

// RegisterParams carries a join or reconnection request into the actor.
type RegisterParams struct {
	Principal   auth.Principal
	DisplayName string
	Role        models.Role
	RequestID   string
	LastEventID *uint64

	// Attach, when set, runs on the actor goroutine after the participant
	// is registered but before the join broadcast is emitted. The session
	// uses it to enqueue the snapshot and replay frames and to register for
	// local broadcasts, so no event is missed or reordered in between.
	Attach func(*RegisterResult)

	// OnRoleChange is invoked on the actor goroutine whenever this
	// participant's role changes (host migration, owner reclaim), keeping
	// the session's authorization role fresh.
	OnRoleChange func(models.Role)
}

// RegisterResult is the synchronous reply to a successful register: the
// snapshot for this client plus any replayed events (reconnection).
type RegisterResult struct {
	Participant *models.Participant
	State       protocol.RoomStatePayload
	Replay      []models.Event
}

// Register attaches a participant, or heals a grace-period disconnect when
// LastEventID identifies a reconnection.
func (a *Actor) Register(ctx context.Context, params RegisterParams) (*RegisterResult, error) {
	var (
		res  *RegisterResult
		rerr error
	)
	if err := a.do(ctx, func() { res, rerr = a.register(ctx, params) }); err != nil {
		return nil, err
	}
	return res, rerr
}

func (a *Actor) register(ctx context.Context, params RegisterParams) (*RegisterResult, error) {
	if a.room.Deleted() {
		return nil, protocol.NewWireError(protocol.CodeRoomNotFound, "room no longer exists")
	}

	a.cancelIdleTimer()

	if params.LastEventID != nil {
		if p := a.findGraceParticipant(params.Principal, params.DisplayName); p != nil {
			return a.reconnect(ctx, p, params)
		}
	}

	if a.connectedCount() >= a.limits.RoomCapacity {
		return nil, protocol.NewWireError(protocol.CodeRoomFull, "room is at capacity")
	}

	role := params.Role
	if role == "" {
		role = models.RoleVoter
	}
	if !role.Valid() {
		return nil, protocol.NewWireError(protocol.CodeValidation, "unknown role "+string(role))
	}

	isOwner := params.Principal.UserID != nil && params.Principal.UserID.String() == a.room.OwnerUserID
	currentHost := a.currentHost()
	if role == models.RoleHost && currentHost != nil && !isOwner {
		return nil, protocol.NewWireError(protocol.CodeForbidden, "room already has a host")
	}
	// A voter joining a hostless room is promoted immediately so host-only
	// commands become available without an extra round-trip.
	if role == models.RoleVoter && currentHost == nil {
		role = models.RoleHost
	}

	p := &models.Participant{
		ID:          uuid.New().String(),
		RoomID:      a.roomID,
		UserID:      params.Principal.UserID,
		DisplayName: params.DisplayName,
		Role:        role,
		ConnectedAt: a.clk.Now(),
	}
	if err := a.store.UpsertParticipant(ctx, p); err != nil {
		a.log.Error("register: persist participant failed", "err", err)
		return nil, protocol.NewWireError(protocol.CodeInternal, "could not join room")
	}
	a.participants[p.ID] = p
	if params.OnRoleChange != nil {
		a.roleListeners[p.ID] = params.OnRoleChange
	}
	a.touchLastActive(ctx)

	// The owner reclaiming host demotes the sitting host.
	if role == models.RoleHost && currentHost != nil && currentHost.ID != p.ID {
		a.changeRole(ctx, currentHost, models.RoleVoter, "")
	}

	res := &RegisterResult{
		Participant: p,
		State:       a.snapshot(p.ID, false),
	}
	if params.Attach != nil {
		params.Attach(res)
	}

	a.emit(protocol.TypeParticipantJoined, params.RequestID, protocol.ParticipantJoinedPayload{
		Participant: a.participantView(p),
	})
	return res, nil
}

func (a *Actor) reconnect(ctx context.Context, p *models.Participant, params RegisterParams) (*RegisterResult, error) {
	if t, ok := a.graceTimers[p.ID]; ok {
		t.Stop()
		delete(a.graceTimers, p.ID)
	}
	p.DisconnectedAt = nil
	p.GraceDeadline = nil
	if params.OnRoleChange != nil {
		a.roleListeners[p.ID] = params.OnRoleChange
	}
	if err := a.store.UpsertParticipant(ctx, p); err != nil {
		a.log.Warn("reconnect: persist participant failed", "participantId", p.ID, "err", err)
	}

	// An id ahead of the sequence can only come from a previous actor
	// incarnation; it gets a resync even when the buffer floor is low.
	replayed, ok := a.replay.Since(*params.LastEventID, a.clk.Now())
	fullResync := *params.LastEventID > a.seq
	if *params.LastEventID != a.seq && !ok {
		fullResync = true
	}
	if fullResync {
		replayed = nil
	}

	res := &RegisterResult{
		Participant: p,
		State:       a.snapshot(p.ID, fullResync),
		Replay:      replayed,
	}
	if params.Attach != nil {
		params.Attach(res)
	}

	a.emit(protocol.TypePresenceUpdate, params.RequestID, protocol.PresenceUpdatePayload{
		ParticipantID: p.ID,
		Role:          p.Role,
	})
	return res, nil
}

// Leave handles an explicit room.leave.v1 or a clean close.
func (a *Actor) Leave(ctx context.Context, participantID, reason string) error {
	return a.do(ctx, func() { a.leave(ctx, participantID, reason) })
}

func (a *Actor) leave(ctx context.Context, participantID, reason string) {
	p, ok := a.participants[participantID]
	if !ok {
		return
	}
	if t, ok := a.graceTimers[participantID]; ok {
		t.Stop()
		delete(a.graceTimers, participantID)
	}
	now := a.clk.Now()
	p.DisconnectedAt = &now
	p.GraceDeadline = nil
	delete(a.participants, participantID)
	delete(a.roleListeners, participantID)
	if err := a.store.UpsertParticipant(ctx, p); err != nil {
		a.log.Warn("leave: persist participant failed", "participantId", participantID, "err", err)
	}

	a.emit(protocol.TypeParticipantLeft, "", protocol.ParticipantLeftPayload{
		ParticipantID: participantID,
		Reason:        reason,
	})

	if p.Role == models.RoleHost {
		a.migrateHost(ctx)
	}
	a.maybeArmIdleTimer()
}

// Disconnect marks an ungraceful close: the participant enters the grace
// window and may heal by rejoining with a lastEventId.
func (a *Actor) Disconnect(ctx context.Context, participantID string) error {
	return a.do(ctx, func() { a.disconnect(ctx, participantID) })
}

func (a *Actor) disconnect(ctx context.Context, participantID string) {
	p, ok := a.participants[participantID]
	if !ok || !p.Connected() {
		return
	}
	now := a.clk.Now()
	deadline := now.Add(a.limits.GracePeriod)
	p.DisconnectedAt = &now
	p.GraceDeadline = &deadline
	delete(a.roleListeners, participantID)
	if err := a.store.UpsertParticipant(ctx, p); err != nil {
		a.log.Warn("disconnect: persist participant failed", "participantId", participantID, "err", err)
	}

	a.emit(protocol.TypeParticipantDisconnected, "", protocol.ParticipantDisconnectedPayload{
		ParticipantID: participantID,
		GraceDeadline: deadline,
	})

	a.graceTimers[participantID] = a.clk.AfterFunc(a.limits.GracePeriod, func() {
		a.post(func() { a.graceExpired(participantID) })
	})
}

func (a *Actor) graceExpired(participantID string) {
	delete(a.graceTimers, participantID)
	p, ok := a.participants[participantID]
	if !ok || p.Connected() {
		return
	}
	delete(a.participants, participantID)

	a.emit(protocol.TypeParticipantLeft, "", protocol.ParticipantLeftPayload{
		ParticipantID: participantID,
		Reason:        "grace_expired",
	})

	if p.Role == models.RoleHost {
		a.migrateHost(context.Background())
	}
	a.maybeArmIdleTimer()
}

// StartRound opens a new estimation round.
func (a *Actor) StartRound(ctx context.Context, participantID, requestID string, storyTitle *string, timerSeconds int) ([]byte, error) {
	var (
		frame []byte
		rerr  error
	)
	if err := a.do(ctx, func() { frame, rerr = a.startRound(ctx, participantID, requestID, storyTitle, timerSeconds) }); err != nil {
		return nil, err
	}
	return frame, rerr
}

func (a *Actor) startRound(ctx context.Context, participantID, requestID string, storyTitle *string, timerSeconds int) ([]byte, error) {
	if err := a.requireHost(participantID); err != nil {
		return nil, err
	}
	if a.round != nil && a.round.State == models.RoundOpen {
		return nil, protocol.NewWireError(protocol.CodeInvalidState, "a round is already open")
	}
	if timerSeconds != 0 {
		min := int(a.limits.RoundTimerMin / time.Second)
		max := int(a.limits.RoundTimerMax / time.Second)
		if timerSeconds < min || timerSeconds > max {
			return nil, protocol.NewWireError(protocol.CodeValidation, "timerSeconds out of range").
				WithDetails(map[string]any{"min": min, "max": max})
		}
	}

	now := a.clk.Now()
	round := &models.Round{
		ID:           uuid.New(),
		RoomID:       a.roomID,
		RoundNumber:  a.maxRound + 1,
		StoryTitle:   storyTitle,
		StartedAt:    now,
		DeckSnapshot: append([]string(nil), a.deck.Cards...),
		State:        models.RoundOpen,
	}

	if err := a.insertRoundRetrying(ctx, round); err != nil {
		a.log.Error("start round: persist failed", "err", err)
		return nil, protocol.NewWireError(protocol.CodeInternal, "could not start round")
	}
	a.maxRound = round.RoundNumber
	a.round = round
	a.votes = make(map[string]string)
	a.touchLastActive(ctx)

	a.roundEndsAt = nil
	if a.roundTimer != nil {
		a.roundTimer.Stop()
		a.roundTimer = nil
	}
	if timerSeconds > 0 {
		endsAt := now.Add(time.Duration(timerSeconds) * time.Second)
		a.roundEndsAt = &endsAt
		roundID := round.ID
		a.roundTimer = a.clk.AfterFunc(time.Duration(timerSeconds)*time.Second, func() {
			a.post(func() { a.roundTimerExpired(roundID) })
		})
	}

	return a.emitReply(protocol.TypeRoundStarted, requestID, protocol.RoundStartedPayload{
		Round: a.roundView(),
	})
}

// insertRoundRetrying retries once on a round-number collision, treating it
// as a lost race with another writer.
func (a *Actor) insertRoundRetrying(ctx context.Context, round *models.Round) error {
	err := a.store.InsertRound(ctx, round)
	if !errors.Is(err, ErrDuplicateRound) {
		return err
	}
	max, mErr := a.store.MaxRoundNumber(ctx, a.roomID)
	if mErr != nil {
		return mErr
	}
	a.maxRound = max
	round.RoundNumber = max + 1
	return a.store.InsertRound(ctx, round)
}

func (a *Actor) roundTimerExpired(roundID uuid.UUID) {
	a.roundTimer = nil
	if a.round == nil || a.round.ID != roundID || a.round.State != models.RoundOpen {
		return
	}
	a.roundEndsAt = nil
	a.emit(protocol.TypePresenceUpdate, "", protocol.PresenceUpdatePayload{TimerExpired: true})
}

// CastVote records one participant's card for the open round. The broadcast
// never carries the value; it is disclosed on reveal.
func (a *Actor) CastVote(ctx context.Context, participantID, requestID, cardValue string) ([]byte, error) {
	var (
		frame []byte
		rerr  error
	)
	if err := a.do(ctx, func() { frame, rerr = a.castVote(ctx, participantID, requestID, cardValue) }); err != nil {
		return nil, err
	}
	return frame, rerr
}

func (a *Actor) castVote(ctx context.Context, participantID, requestID, cardValue string) ([]byte, error) {
	p, ok := a.participants[participantID]
	if !ok {
		return nil, protocol.NewWireError(protocol.CodeInvalidState, "participant is not in the room")
	}
	if !p.Role.CanVote() {
		return nil, protocol.NewWireError(protocol.CodeForbidden, "observers cannot vote")
	}
	if a.round == nil || a.round.State != models.RoundOpen {
		return nil, protocol.NewWireError(protocol.CodeInvalidState, "no open round")
	}
	if !containsCard(a.round.DeckSnapshot, cardValue) {
		return nil, protocol.NewWireError(protocol.CodeInvalidVote, "card value not in deck").
			WithDetails(map[string]any{"validValues": a.round.DeckSnapshot})
	}
	if _, voted := a.votes[participantID]; voted {
		return nil, protocol.NewWireError(protocol.CodeInvalidVote, "participant already voted this round")
	}

	vote := &models.Vote{
		RoundID:       a.round.ID,
		ParticipantID: participantID,
		CardValue:     cardValue,
		VotedAt:       a.clk.Now(),
	}
	if err := a.store.InsertVote(ctx, vote); err != nil {
		if errors.Is(err, ErrDuplicateVote) {
			return nil, protocol.NewWireError(protocol.CodeInvalidVote, "participant already voted this round")
		}
		a.log.Error("cast vote: persist failed", "err", err)
		return nil, protocol.NewWireError(protocol.CodeInternal, "could not record vote")
	}
	a.votes[participantID] = cardValue

	return a.emitReply(protocol.TypeVoteRecorded, requestID, protocol.VoteRecordedPayload{
		RoundID:       a.round.ID.String(),
		ParticipantID: participantID,
		CardValue:     "",
		VoteCount:     len(a.votes),
	})
}

// Reveal closes voting and discloses all values with statistics.
func (a *Actor) Reveal(ctx context.Context, participantID, requestID string) ([]byte, error) {
	var (
		frame []byte
		rerr  error
	)
	if err := a.do(ctx, func() { frame, rerr = a.reveal(ctx, participantID, requestID) }); err != nil {
		return nil, err
	}
	return frame, rerr
}

func (a *Actor) reveal(ctx context.Context, participantID, requestID string) ([]byte, error) {
	if err := a.requireHost(participantID); err != nil {
		return nil, err
	}
	if a.round == nil || a.round.State != models.RoundOpen {
		return nil, protocol.NewWireError(protocol.CodeInvalidState, "no open round to reveal")
	}
	if len(a.votes) == 0 {
		return nil, protocol.NewWireError(protocol.CodeInvalidState, "cannot reveal a round with no votes")
	}

	votes := a.currentVotes()
	stats := ComputeStatistics(votes, a.round.DeckSnapshot)

	now := a.clk.Now()
	a.round.RevealedAt = &now
	a.round.State = models.RoundRevealed
	a.round.Average = stats.Average
	a.round.Median = stats.Median
	a.round.ConsensusReached = &stats.ConsensusReached

	if err := a.store.UpdateRound(ctx, a.round, models.RoundOpen); err != nil {
		a.round.State = models.RoundOpen
		a.round.RevealedAt = nil
		if errors.Is(err, ErrStaleRound) {
			return nil, protocol.NewWireError(protocol.CodeInvalidState, "round state changed concurrently")
		}
		a.log.Error("reveal: persist failed", "err", err)
		return nil, protocol.NewWireError(protocol.CodeInternal, "could not reveal round")
	}

	if a.roundTimer != nil {
		a.roundTimer.Stop()
		a.roundTimer = nil
	}
	a.roundEndsAt = nil

	revealed := a.revealedVotes(votes)
	frame, ferr := a.emitReply(protocol.TypeRoundRevealed, requestID, protocol.RoundRevealedPayload{
		Round:      a.roundView(),
		Votes:      revealed,
		Statistics: stats,
	})

	a.appendHistory(ctx, stats)
	a.touchLastActive(ctx)
	return frame, ferr
}

// ResetRound closes the current round; with clearVotes it opens a fresh one
// carrying the same story. Resets are new rounds, never in-place mutations.
func (a *Actor) ResetRound(ctx context.Context, participantID, requestID string, clearVotes bool) ([]byte, error) {
	var (
		frame []byte
		rerr  error
	)
	if err := a.do(ctx, func() { frame, rerr = a.resetRound(ctx, participantID, requestID, clearVotes) }); err != nil {
		return nil, err
	}
	return frame, rerr
}

func (a *Actor) resetRound(ctx context.Context, participantID, requestID string, clearVotes bool) ([]byte, error) {
	if err := a.requireHost(participantID); err != nil {
		return nil, err
	}
	if a.round == nil {
		return nil, protocol.NewWireError(protocol.CodeInvalidState, "no round to reset")
	}

	closed := a.round
	if closed.State == models.RoundOpen {
		closed.State = models.RoundReset
		if err := a.store.UpdateRound(ctx, closed, models.RoundOpen); err != nil {
			closed.State = models.RoundOpen
			if errors.Is(err, ErrStaleRound) {
				return nil, protocol.NewWireError(protocol.CodeInvalidState, "round state changed concurrently")
			}
			a.log.Error("reset: persist failed", "err", err)
			return nil, protocol.NewWireError(protocol.CodeInternal, "could not reset round")
		}
	}
	if a.roundTimer != nil {
		a.roundTimer.Stop()
		a.roundTimer = nil
	}
	a.roundEndsAt = nil
	a.votes = make(map[string]string)
	a.round = nil

	payload := protocol.RoundResetPayload{ClosedRoundID: closed.ID.String()}
	if clearVotes {
		next := &models.Round{
			ID:           uuid.New(),
			RoomID:       a.roomID,
			RoundNumber:  a.maxRound + 1,
			StoryTitle:   closed.StoryTitle,
			StartedAt:    a.clk.Now(),
			DeckSnapshot: append([]string(nil), a.deck.Cards...),
			State:        models.RoundOpen,
		}
		if err := a.insertRoundRetrying(ctx, next); err != nil {
			a.log.Error("reset: persist new round failed", "err", err)
			return nil, protocol.NewWireError(protocol.CodeInternal, "could not reset round")
		}
		a.maxRound = next.RoundNumber
		a.round = next
		view := a.roundView()
		payload.NewRound = &view
	}
	a.touchLastActive(ctx)

	return a.emitReply(protocol.TypeRoundWasReset, requestID, payload)
}

// Chat broadcasts a chat message. Nothing is persisted; delivery is
// at-least-once and idempotency on receipt is the client's job.
func (a *Actor) Chat(ctx context.Context, participantID, requestID, message string, replyTo *string) ([]byte, error) {
	var (
		frame []byte
		rerr  error
	)
	if err := a.do(ctx, func() { frame, rerr = a.chat(participantID, requestID, message, replyTo) }); err != nil {
		return nil, err
	}
	return frame, rerr
}

func (a *Actor) chat(participantID, requestID, message string, replyTo *string) ([]byte, error) {
	p, ok := a.participants[participantID]
	if !ok {
		return nil, protocol.NewWireError(protocol.CodeInvalidState, "participant is not in the room")
	}
	if len(message) == 0 || len(message) > 2000 {
		return nil, protocol.NewWireError(protocol.CodeValidation, "message must be 1-2000 characters")
	}

	return a.emitReply(protocol.TypeChatMessage, requestID, protocol.ChatMessagePayload{
		MessageID:     uuid.New().String(),
		ParticipantID: participantID,
		DisplayName:   p.DisplayName,
		Message:       message,
		ReplyTo:       replyTo,
		SentAt:        a.clk.Now(),
	})
}

// Snapshot returns the room state as seen by one participant.
func (a *Actor) Snapshot(ctx context.Context, participantID string) (protocol.RoomStatePayload, error) {
	var state protocol.RoomStatePayload
	if err := a.do(ctx, func() { state = a.snapshot(participantID, false) }); err != nil {
		return protocol.RoomStatePayload{}, err
	}
	return state, nil
}

// Stop halts the actor loop. Pending commands fail with ErrActorStopped.
func (a *Actor) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

func (a *Actor) requireHost(participantID string) *protocol.WireError {
	p, ok := a.participants[participantID]
	if !ok {
		return protocol.NewWireError(protocol.CodeInvalidState, "participant is not in the room")
	}
	if p.Role != models.RoleHost {
		return protocol.NewWireError(protocol.CodeForbidden, "only the host may do this")
	}
	return nil
}

// migrateHost promotes the longest-connected voter, tie-broken by
// participant id. With no connected voter the room stays hostless and
// host-only commands are rejected until one appears.
func (a *Actor) migrateHost(ctx context.Context) {
	var candidates []*models.Participant
	for _, p := range a.participants {
		if p.Role == models.RoleVoter && p.Connected() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ConnectedAt.Equal(candidates[j].ConnectedAt) {
			return candidates[i].ConnectedAt.Before(candidates[j].ConnectedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	a.changeRole(ctx, candidates[0], models.RoleHost, "")
}

func (a *Actor) changeRole(ctx context.Context, p *models.Participant, role models.Role, requestID string) {
	p.Role = role
	if err := a.store.UpsertParticipant(ctx, p); err != nil {
		a.log.Warn("role change: persist failed", "participantId", p.ID, "err", err)
	}
	if notify, ok := a.roleListeners[p.ID]; ok {
		notify(role)
	}
	a.emit(protocol.TypePresenceUpdate, requestID, protocol.PresenceUpdatePayload{
		ParticipantID: p.ID,
		Role:          role,
	})
}

// emit assigns the next event id, records the event for replay, and fans
// the encoded frame out locally and across the bus. It returns the frame so
// sessions can cache it for request dedup.
func (a *Actor) emit(msgType, requestID string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		a.log.Error("emit: marshal payload failed", "type", msgType, "err", err)
		return nil
	}
	a.seq++
	ev := models.Event{
		EventID:     a.seq,
		RoomID:      a.roomID,
		Type:        msgType,
		RequestID:   requestID,
		Payload:     data,
		PublishedAt: a.clk.Now(),
	}
	a.replay.Append(ev)

	frame, err := protocol.EncodeEvent(msgType, requestID, ev.EventID, json.RawMessage(data))
	if err != nil {
		a.log.Error("emit: encode frame failed", "type", msgType, "err", err)
		return nil
	}
	a.bcast.BroadcastLocal(a.roomID, frame)
	if err := a.bus.Publish(a.roomID, ev.EventID, frame); err != nil {
		a.log.Warn("emit: bus publish failed", "type", msgType, "eventId", ev.EventID, "err", err)
	}
	return frame
}

// emitReply is emit for request/reply commands: a failed serialization
// surfaces 4999 to the caller instead of a silent nil frame.
func (a *Actor) emitReply(msgType, requestID string, payload any) ([]byte, error) {
	frame := a.emit(msgType, requestID, payload)
	if frame == nil {
		return nil, protocol.NewWireError(protocol.CodeInternal, "could not encode event")
	}
	return frame, nil
}

func (a *Actor) appendHistory(ctx context.Context, stats models.RoundStatistics) {
	summary, err := json.Marshal(stats)
	if err != nil {
		a.log.Warn("history: marshal stats failed", "err", err)
		return
	}
	views := make([]protocol.ParticipantView, 0, len(a.participants))
	for _, p := range a.participants {
		views = append(views, a.participantView(p))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ParticipantID < views[j].ParticipantID })
	participants, err := json.Marshal(views)
	if err != nil {
		a.log.Warn("history: marshal participants failed", "err", err)
		return
	}

	stories := 0
	if a.round.StoryTitle != nil && *a.round.StoryTitle != "" {
		stories = 1
	}
	h := &models.SessionHistory{
		SessionID:        uuid.New(),
		RoomID:           a.roomID,
		StartedAt:        a.round.StartedAt,
		EndedAt:          a.clk.Now(),
		TotalRounds:      a.round.RoundNumber,
		TotalStories:     stories,
		SummaryStats:     summary,
		ParticipantsJSON: participants,
	}
	if err := a.store.AppendSessionHistory(ctx, h); err != nil {
		a.log.Warn("history: append failed", "err", err)
	}
}

func (a *Actor) touchLastActive(ctx context.Context) {
	if err := a.store.TouchRoomActive(ctx, a.roomID, a.clk.Now()); err != nil {
		a.log.Warn("touch last_active_at failed", "err", err)
	}
}

func (a *Actor) snapshot(participantID string, fullResync bool) protocol.RoomStatePayload {
	views := make([]protocol.ParticipantView, 0, len(a.participants))
	for _, p := range a.participants {
		views = append(views, a.participantView(p))
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].ConnectedAt.Equal(views[j].ConnectedAt) {
			return views[i].ConnectedAt.Before(views[j].ConnectedAt)
		}
		return views[i].ParticipantID < views[j].ParticipantID
	})

	state := protocol.RoomStatePayload{
		RoomID:        a.roomID,
		Title:         a.room.Title,
		ParticipantID: participantID,
		Deck:          a.deck.Cards,
		Participants:  views,
		LastEventID:   a.seq,
		FullResync:    fullResync,
	}
	if a.round != nil {
		view := a.roundView()
		state.Round = &view
	}
	return state
}

func (a *Actor) participantView(p *models.Participant) protocol.ParticipantView {
	_, hasVoted := a.votes[p.ID]
	view := protocol.ParticipantView{
		ParticipantID: p.ID,
		DisplayName:   p.DisplayName,
		Role:          p.Role,
		ConnectedAt:   p.ConnectedAt,
		Connected:     p.Connected(),
		HasVoted:      hasVoted,
	}
	if p.UserID != nil {
		view.UserID = p.UserID.String()
	}
	return view
}

// roundView renders the current round. Vote values and statistics only
// appear once the round is revealed.
func (a *Actor) roundView() protocol.RoundView {
	view := protocol.RoundView{
		RoundID:      a.round.ID.String(),
		RoundNumber:  a.round.RoundNumber,
		StoryTitle:   a.round.StoryTitle,
		State:        a.round.State,
		StartedAt:    a.round.StartedAt,
		RevealedAt:   a.round.RevealedAt,
		EndsAt:       a.roundEndsAt,
		DeckSnapshot: a.round.DeckSnapshot,
	}
	if a.round.State == models.RoundRevealed {
		votes := a.currentVotes()
		view.Votes = a.revealedVotes(votes)
		stats := ComputeStatistics(votes, a.round.DeckSnapshot)
		view.Statistics = &stats
	}
	return view
}

func (a *Actor) currentVotes() []*models.Vote {
	votes := make([]*models.Vote, 0, len(a.votes))
	for pid, card := range a.votes {
		votes = append(votes, &models.Vote{
			RoundID:       a.round.ID,
			ParticipantID: pid,
			CardValue:     card,
		})
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].ParticipantID < votes[j].ParticipantID })
	return votes
}

func (a *Actor) revealedVotes(votes []*models.Vote) []protocol.RevealedVote {
	out := make([]protocol.RevealedVote, 0, len(votes))
	for _, v := range votes {
		name := ""
		if p, ok := a.participants[v.ParticipantID]; ok {
			name = p.DisplayName
		}
		out = append(out, protocol.RevealedVote{
			ParticipantID: v.ParticipantID,
			DisplayName:   name,
			CardValue:     v.CardValue,
		})
	}
	return out
}

// findGraceParticipant matches a reconnecting principal to a participant in
// its grace window: by user id when authenticated, by display name for
// anonymous participants (best effort).
func (a *Actor) findGraceParticipant(principal auth.Principal, displayName string) *models.Participant {
	now := a.clk.Now()
	for _, p := range a.participants {
		if p.Connected() || p.GraceDeadline == nil || p.GraceDeadline.Before(now) {
			continue
		}
		if principal.UserID != nil && p.UserID != nil && *principal.UserID == *p.UserID {
			return p
		}
		if principal.UserID == nil && p.UserID == nil && p.DisplayName == displayName {
			return p
		}
	}
	return nil
}

func (a *Actor) currentHost() *models.Participant {
	for _, p := range a.participants {
		if p.Role == models.RoleHost {
			return p
		}
	}
	return nil
}

func (a *Actor) connectedCount() int {
	n := 0
	for _, p := range a.participants {
		if p.Connected() {
			n++
		}
	}
	return n
}

// maybeArmIdleTimer schedules self-unload when no participant is connected
// and no grace window is pending.
func (a *Actor) maybeArmIdleTimer() {
	if a.connectedCount() > 0 || len(a.graceTimers) > 0 {
		return
	}
	a.cancelIdleTimer()
	a.idleTimer = a.clk.AfterFunc(a.limits.IdleUnload, func() {
		a.post(func() { a.unloadIfIdle() })
	})
}

func (a *Actor) cancelIdleTimer() {
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
}

func (a *Actor) unloadIfIdle() {
	if a.connectedCount() > 0 || len(a.graceTimers) > 0 {
		return
	}
	a.log.Info("actor idle, unloading")
	if a.roundTimer != nil {
		a.roundTimer.Stop()
	}
	a.Stop()
	if a.onIdle != nil {
		a.onIdle(a.roomID)
	}
}

func containsCard(deck []string, value string) bool {
	for _, card := range deck {
		if card == value {
			return true
		}
	}
	return false
}
