package websocket

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/backend/internal/auth"
	"github.com/pointdeck/backend/internal/bus"
	"github.com/pointdeck/backend/internal/clock"
	"github.com/pointdeck/backend/internal/config"
	"github.com/pointdeck/backend/internal/models"
	"github.com/pointdeck/backend/internal/protocol"
	"github.com/pointdeck/backend/internal/room"
)

const sessionRoomID = "abc123"

// memStore is a minimal in-memory room.Store for session tests.
type memStore struct {
	mu     sync.Mutex
	room   *models.Room
	parts  map[string]*models.Participant
	rounds map[uuid.UUID]*models.Round
	votes  map[uuid.UUID]map[string]*models.Vote
}

func newMemStore() *memStore {
	return &memStore{
		room: &models.Room{
			ID:          sessionRoomID,
			Title:       "Sprint 12 Estimation",
			OwnerUserID: uuid.New().String(),
			PrivacyMode: models.PrivacyPublic,
			Config:      models.RoomConfig{DeckName: "fibonacci"},
		},
		parts:  make(map[string]*models.Participant),
		rounds: make(map[uuid.UUID]*models.Round),
		votes:  make(map[uuid.UUID]map[string]*models.Vote),
	}
}

func (s *memStore) LoadRoom(_ context.Context, roomID string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room.ID != roomID {
		return nil, room.ErrNotFound
	}
	copy := *s.room
	return &copy, nil
}

func (s *memStore) TouchRoomActive(_ context.Context, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room.LastActiveAt = at
	return nil
}

func (s *memStore) UpsertParticipant(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *p
	s.parts[p.ID] = &copy
	return nil
}

func (s *memStore) ListConnectedParticipants(_ context.Context, roomID string) ([]*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Participant
	for _, p := range s.parts {
		if p.RoomID == roomID && p.DisconnectedAt == nil {
			copy := *p
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *memStore) InsertRound(_ context.Context, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *round
	s.rounds[round.ID] = &copy
	s.votes[round.ID] = make(map[string]*models.Vote)
	return nil
}

func (s *memStore) UpdateRound(_ context.Context, rnd *models.Round, priorState models.RoundState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rounds[rnd.ID]
	if !ok {
		return room.ErrNotFound
	}
	if existing.State != priorState {
		return room.ErrStaleRound
	}
	copy := *rnd
	s.rounds[rnd.ID] = &copy
	return nil
}

func (s *memStore) FindOpenRound(_ context.Context, roomID string) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rounds {
		if r.RoomID == roomID && r.State == models.RoundOpen {
			copy := *r
			return &copy, nil
		}
	}
	return nil, room.ErrNotFound
}

func (s *memStore) MaxRoundNumber(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, r := range s.rounds {
		if r.RoundNumber > max {
			max = r.RoundNumber
		}
	}
	return max, nil
}

func (s *memStore) InsertVote(_ context.Context, v *models.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	votes, ok := s.votes[v.RoundID]
	if !ok {
		return room.ErrNotFound
	}
	if _, dup := votes[v.ParticipantID]; dup {
		return room.ErrDuplicateVote
	}
	copy := *v
	votes[v.ParticipantID] = &copy
	return nil
}

func (s *memStore) ListVotes(_ context.Context, roundID uuid.UUID) ([]*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Vote
	for _, v := range s.votes[roundID] {
		copy := *v
		out = append(out, &copy)
	}
	return out, nil
}

func (s *memStore) AppendSessionHistory(_ context.Context, _ *models.SessionHistory) error {
	return nil
}

func (s *memStore) voteTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, votes := range s.votes {
		n += len(votes)
	}
	return n
}

type nopBus struct{}

type nopHandle struct{}

func (nopHandle) Unsubscribe() {}

func (nopBus) Publish(_ string, _ uint64, _ []byte) error { return nil }

func (nopBus) Subscribe(_ string, _ func([]byte)) (bus.Handle, error) {
	return nopHandle{}, nil
}

func (nopBus) Close() {}

// dialPair builds a connected client/server websocket pair over httptest.
func dialPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no server-side connection")
	}
	return client, server
}

type sessionFixture struct {
	t      *testing.T
	client *websocket.Conn
	store  *memStore
	clk    *clock.Mock
}

func newSessionFixture(t *testing.T, tweak func(*config.LimitsConfig)) *sessionFixture {
	t.Helper()
	cfg := &config.Config{Limits: config.DefaultLimits()}
	if tweak != nil {
		tweak(&cfg.Limits)
	}

	store := newMemStore()
	clk := clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	hub := NewHub(nopBus{})
	manager := room.NewManager(store, hub, nopBus{}, clk, cfg)
	t.Cleanup(manager.Close)

	client, server := dialPair(t)
	s := NewSession(server, hub, manager, auth.NewResolver(), clk, cfg, sessionRoomID, auth.Principal{}, time.Time{})
	s.Start()

	return &sessionFixture{t: t, client: client, store: store, clk: clk}
}

func (f *sessionFixture) send(msgType, requestID string, payload any) {
	f.t.Helper()
	frame, err := protocol.Encode(msgType, requestID, payload)
	require.NoError(f.t, err)
	require.NoError(f.t, f.client.WriteMessage(websocket.TextMessage, frame))
}

// joinOnly joins the room and reads the snapshot and join broadcast.
func (f *sessionFixture) joinOnly(name string) {
	f.t.Helper()
	f.send(protocol.TypeRoomJoin, "req-join", protocol.JoinPayload{DisplayName: name})
	readUntil(f.t, f.client, protocol.TypeRoomState)
	readUntil(f.t, f.client, protocol.TypeParticipantJoined)
}

// join additionally round-trips a chat message. Inbound handling is
// strictly sequential, so the reply proves the join fully completed and
// the heartbeat timer is armed before the test advances the clock.
func (f *sessionFixture) join(name string) {
	f.t.Helper()
	f.joinOnly(name)
	f.send(protocol.TypeChatSend, "req-sync", protocol.ChatSendPayload{Message: "hello"})
	readUntil(f.t, f.client, protocol.TypeChatMessage)
}

func readFrame(t *testing.T, conn *websocket.Conn) (protocol.Envelope, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env, data
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) (protocol.Envelope, []byte) {
	t.Helper()
	for i := 0; i < 16; i++ {
		env, raw := readFrame(t, conn)
		if env.Type == msgType {
			return env, raw
		}
	}
	t.Fatalf("no %s frame received", msgType)
	return protocol.Envelope{}, nil
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, code), "expected close %d, got %v", code, err)
			return
		}
	}
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	netErr, ok := err.(net.Error)
	require.True(t, ok && netErr.Timeout(), "expected read timeout, got %v", err)
}

func TestJoinDeadlineClosesConnection(t *testing.T) {
	f := newSessionFixture(t, nil)

	// No join within the deadline.
	f.clk.Advance(11 * time.Second)

	env, _ := readUntil(t, f.client, protocol.TypeError)
	var p protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, protocol.CodePolicyViolation, p.Code)

	expectClose(t, f.client, websocket.ClosePolicyViolation)
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.join("Carol")

	f.clk.Advance(61 * time.Second)

	env, _ := readUntil(t, f.client, protocol.TypeError)
	var p protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, protocol.CodePolicyViolation, p.Code)

	expectClose(t, f.client, websocket.CloseGoingAway)
}

func TestHeartbeatMessageKeepsSessionAlive(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.join("Carol")

	// Heartbeats at half the window keep the session alive well past it.
	for i := 0; i < 4; i++ {
		f.clk.Advance(30 * time.Second)
		f.send(protocol.TypePresenceHeartbeat, "", nil)
		// Round-trip to make sure the heartbeat was processed before the
		// next advance.
		f.send(protocol.TypeChatSend, "", protocol.ChatSendPayload{Message: "still here"})
		readUntil(t, f.client, protocol.TypeChatMessage)
	}

	f.send(protocol.TypeChatSend, "req-alive", protocol.ChatSendPayload{Message: "alive"})
	env, _ := readUntil(t, f.client, protocol.TypeChatMessage)
	assert.Equal(t, "req-alive", env.RequestID)
}

func TestMessageRateLimitRejectsExcess(t *testing.T) {
	f := newSessionFixture(t, func(l *config.LimitsConfig) { l.MessagesPerMinute = 5 })
	f.joinOnly("Carol")

	// The join spent one token; heartbeats drain the rest of the budget.
	for i := 0; i < 4; i++ {
		f.send(protocol.TypePresenceHeartbeat, "", nil)
	}

	f.send(protocol.TypeChatSend, "req-limited", protocol.ChatSendPayload{Message: "one too many"})

	env, _ := readUntil(t, f.client, protocol.TypeError)
	assert.Equal(t, "req-limited", env.RequestID)
	var p protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, protocol.CodeRateLimitExceeded, p.Code)
}

func TestDuplicateRequestResolvesToCachedReply(t *testing.T) {
	f := newSessionFixture(t, nil)
	f.join("Carol")

	f.send(protocol.TypeRoundStart, "req-start", protocol.StartRoundPayload{})
	readUntil(t, f.client, protocol.TypeRoundStarted)

	f.send(protocol.TypeVoteCast, "req-vote", protocol.CastVotePayload{CardValue: "5"})
	_, first := readUntil(t, f.client, protocol.TypeVoteRecorded)

	// The retry carries the same requestId: it must resolve to the original
	// result without re-applying the vote.
	f.send(protocol.TypeVoteCast, "req-vote", protocol.CastVotePayload{CardValue: "5"})
	env, second := readUntil(t, f.client, protocol.TypeVoteRecorded)

	assert.Equal(t, first, second, "duplicate resolves to the cached frame")
	assert.Equal(t, 1, f.store.voteTotal(), "exactly one vote persisted")

	var p protocol.VoteRecordedPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, 1, p.VoteCount)

	// No second broadcast was emitted for the duplicate.
	expectNoFrame(t, f.client)
}

func TestMessageBeforeJoinRejected(t *testing.T) {
	f := newSessionFixture(t, nil)

	f.send(protocol.TypeVoteCast, "req-early", protocol.CastVotePayload{CardValue: "5"})

	env, _ := readUntil(t, f.client, protocol.TypeError)
	assert.Equal(t, "req-early", env.RequestID)
	var p protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, protocol.CodeInvalidState, p.Code)
}

func TestMalformedFrameDrawsValidationError(t *testing.T) {
	f := newSessionFixture(t, nil)

	require.NoError(t, f.client.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))

	env, _ := readUntil(t, f.client, protocol.TypeError)
	assert.Empty(t, env.RequestID, "malformed frames echo no requestId")
	var p protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, protocol.CodeValidation, p.Code)
}
