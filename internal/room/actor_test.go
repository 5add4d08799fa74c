package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pointdeck/backend/internal/auth"
	"github.com/pointdeck/backend/internal/bus"
	"github.com/pointdeck/backend/internal/clock"
	"github.com/pointdeck/backend/internal/config"
	"github.com/pointdeck/backend/internal/models"
	"github.com/pointdeck/backend/internal/protocol"
)

// fakeStore is an in-memory Store for actor tests.
type fakeStore struct {
	mu           sync.Mutex
	room         *models.Room
	participants map[string]*models.Participant
	rounds       map[uuid.UUID]*models.Round
	roundNumbers map[int]uuid.UUID
	votes        map[uuid.UUID]map[string]*models.Vote
	history      []*models.SessionHistory

	failVoteInsert  error
	failRoundInsert error
}

func newFakeStore(room *models.Room) *fakeStore {
	return &fakeStore{
		room:         room,
		participants: make(map[string]*models.Participant),
		rounds:       make(map[uuid.UUID]*models.Round),
		roundNumbers: make(map[int]uuid.UUID),
		votes:        make(map[uuid.UUID]map[string]*models.Vote),
	}
}

func (s *fakeStore) LoadRoom(_ context.Context, roomID string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil || s.room.ID != roomID {
		return nil, ErrNotFound
	}
	copy := *s.room
	return &copy, nil
}

func (s *fakeStore) TouchRoomActive(_ context.Context, _ string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room.LastActiveAt = at
	return nil
}

func (s *fakeStore) UpsertParticipant(_ context.Context, p *models.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copy := *p
	s.participants[p.ID] = &copy
	return nil
}

func (s *fakeStore) ListConnectedParticipants(_ context.Context, roomID string) ([]*models.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Participant
	for _, p := range s.participants {
		if p.RoomID == roomID && p.DisconnectedAt == nil {
			copy := *p
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertRound(_ context.Context, round *models.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRoundInsert != nil {
		return s.failRoundInsert
	}
	if _, taken := s.roundNumbers[round.RoundNumber]; taken {
		return ErrDuplicateRound
	}
	copy := *round
	s.rounds[round.ID] = &copy
	s.roundNumbers[round.RoundNumber] = round.ID
	s.votes[round.ID] = make(map[string]*models.Vote)
	return nil
}

func (s *fakeStore) UpdateRound(_ context.Context, round *models.Round, priorState models.RoundState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rounds[round.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.State != priorState {
		return ErrStaleRound
	}
	copy := *round
	s.rounds[round.ID] = &copy
	return nil
}

func (s *fakeStore) FindOpenRound(_ context.Context, roomID string) (*models.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rounds {
		if r.RoomID == roomID && r.State == models.RoundOpen {
			copy := *r
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) MaxRoundNumber(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for n := range s.roundNumbers {
		if n > max {
			max = n
		}
	}
	return max, nil
}

func (s *fakeStore) InsertVote(_ context.Context, v *models.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failVoteInsert != nil {
		return s.failVoteInsert
	}
	votes, ok := s.votes[v.RoundID]
	if !ok {
		return ErrNotFound
	}
	if _, dup := votes[v.ParticipantID]; dup {
		return ErrDuplicateVote
	}
	copy := *v
	votes[v.ParticipantID] = &copy
	return nil
}

func (s *fakeStore) ListVotes(_ context.Context, roundID uuid.UUID) ([]*models.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Vote
	for _, v := range s.votes[roundID] {
		copy := *v
		out = append(out, &copy)
	}
	return out, nil
}

func (s *fakeStore) AppendSessionHistory(_ context.Context, h *models.SessionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, h)
	return nil
}

func (s *fakeStore) voteCount(roundID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.votes[roundID])
}

// frameSink collects locally broadcast frames.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *frameSink) BroadcastLocal(_ string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
}

func (s *frameSink) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(s.frames))
	for _, f := range s.frames {
		env, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (s *frameSink) count(t *testing.T, msgType string) int {
	t.Helper()
	n := 0
	for _, env := range s.envelopes(t) {
		if env.Type == msgType {
			n++
		}
	}
	return n
}

func (s *frameSink) last(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	envs := s.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == msgType {
			return envs[i]
		}
	}
	t.Fatalf("no %s frame broadcast", msgType)
	return protocol.Envelope{}
}

// fakeBus records publishes and ignores subscriptions.
type fakeBus struct {
	mu        sync.Mutex
	published int
}

type fakeHandle struct{}

func (fakeHandle) Unsubscribe() {}

func (b *fakeBus) Publish(_ string, _ uint64, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published++
	return nil
}

func (b *fakeBus) Subscribe(_ string, _ func([]byte)) (bus.Handle, error) {
	return fakeHandle{}, nil
}

func (b *fakeBus) Close() {}

const testRoomID = "abc123"

type actorFixture struct {
	actor *Actor
	store *fakeStore
	sink  *frameSink
	clk   *clock.Mock
	owner uuid.UUID
}

func newActorFixture(t *testing.T, tweak func(*config.LimitsConfig)) *actorFixture {
	t.Helper()
	owner := uuid.New()
	store := newFakeStore(&models.Room{
		ID:          testRoomID,
		Title:       "Sprint 12 Estimation",
		OwnerUserID: owner.String(),
		PrivacyMode: models.PrivacyPublic,
		Config:      models.RoomConfig{DeckName: "fibonacci"},
	})
	sink := &frameSink{}
	clk := clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	limits := config.DefaultLimits()
	if tweak != nil {
		tweak(&limits)
	}

	a, err := loadActor(context.Background(), testRoomID, store, sink, &fakeBus{}, clk, limits, nil)
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	return &actorFixture{actor: a, store: store, sink: sink, clk: clk, owner: owner}
}

func (f *actorFixture) join(t *testing.T, name string, role models.Role) *RegisterResult {
	t.Helper()
	id := uuid.New()
	res, err := f.actor.Register(context.Background(), RegisterParams{
		Principal:   auth.Principal{UserID: &id, Tier: models.TierPro},
		DisplayName: name,
		Role:        role,
	})
	require.NoError(t, err)
	return res
}

func wireCode(t *testing.T, err error) int {
	t.Helper()
	require.Error(t, err)
	werr, ok := err.(*protocol.WireError)
	require.True(t, ok, "expected wire error, got %v", err)
	return werr.Code
}

func TestFirstVoterBecomesHost(t *testing.T) {
	f := newActorFixture(t, nil)

	carol := f.join(t, "Carol", models.RoleVoter)
	assert.Equal(t, models.RoleHost, carol.Participant.Role)

	alice := f.join(t, "Alice", models.RoleVoter)
	assert.Equal(t, models.RoleVoter, alice.Participant.Role)
}

func TestHappyVoteAndReveal(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	alice := f.join(t, "Alice", models.RoleVoter)
	bob := f.join(t, "Bob", models.RoleVoter)

	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "req-start", nil, 0)
	require.NoError(t, err)

	_, err = f.actor.CastVote(ctx, alice.Participant.ID, "req-a", "5")
	require.NoError(t, err)
	_, err = f.actor.CastVote(ctx, bob.Participant.ID, "req-b", "8")
	require.NoError(t, err)

	// Both vote broadcasts hide the value.
	assert.Equal(t, 2, f.sink.count(t, protocol.TypeVoteRecorded))
	var recorded protocol.VoteRecordedPayload
	require.NoError(t, f.sink.last(t, protocol.TypeVoteRecorded).DecodePayload(&recorded))
	assert.Empty(t, recorded.CardValue)
	assert.Equal(t, 2, recorded.VoteCount)

	_, err = f.actor.Reveal(ctx, carol.Participant.ID, "req-reveal")
	require.NoError(t, err)

	var revealed protocol.RoundRevealedPayload
	require.NoError(t, f.sink.last(t, protocol.TypeRoundRevealed).DecodePayload(&revealed))

	require.NotNil(t, revealed.Statistics.Average)
	assert.Equal(t, 6.5, *revealed.Statistics.Average)
	require.NotNil(t, revealed.Statistics.Median)
	assert.Equal(t, 6.5, *revealed.Statistics.Median)
	assert.Equal(t, "5", revealed.Statistics.Mode)
	assert.False(t, revealed.Statistics.ConsensusReached)
	assert.Equal(t, 2, revealed.Statistics.TotalVotes)
	assert.Equal(t, map[string]int{"5": 1, "8": 1}, revealed.Statistics.Distribution)

	values := map[string]string{}
	for _, v := range revealed.Votes {
		values[v.ParticipantID] = v.CardValue
	}
	assert.Equal(t, "5", values[alice.Participant.ID])
	assert.Equal(t, "8", values[bob.Participant.ID])

	// Reveal appended a session history row.
	assert.Len(t, f.store.history, 1)
}

func TestObserverCannotVote(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	dave := f.join(t, "Dave", models.RoleObserver)

	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	require.NoError(t, err)

	_, err = f.actor.CastVote(ctx, dave.Participant.ID, "req-d", "5")
	assert.Equal(t, protocol.CodeForbidden, wireCode(t, err))
	assert.Equal(t, 0, f.sink.count(t, protocol.TypeVoteRecorded))
}

func TestRevealWithNoVotesRejected(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	require.NoError(t, err)

	_, err = f.actor.Reveal(ctx, carol.Participant.ID, "")
	assert.Equal(t, protocol.CodeInvalidState, wireCode(t, err))
}

func TestVoteOutsideDeckRejectedWithValidValues(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	require.NoError(t, err)

	_, err = f.actor.CastVote(ctx, carol.Participant.ID, "", "7")
	require.Error(t, err)
	werr, ok := err.(*protocol.WireError)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidVote, werr.Code)
	assert.Contains(t, werr.Details, "validValues")
}

func TestDoubleVoteRejected(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	require.NoError(t, err)

	_, err = f.actor.CastVote(ctx, carol.Participant.ID, "", "5")
	require.NoError(t, err)
	_, err = f.actor.CastVote(ctx, carol.Participant.ID, "", "8")
	assert.Equal(t, protocol.CodeInvalidVote, wireCode(t, err))
	assert.Equal(t, 1, f.sink.count(t, protocol.TypeVoteRecorded))
}

func TestStartRoundWhileOpenRejected(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	require.NoError(t, err)

	_, err = f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	assert.Equal(t, protocol.CodeInvalidState, wireCode(t, err))
}

func TestNonHostCannotStartRound(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	f.join(t, "Carol", models.RoleVoter)
	alice := f.join(t, "Alice", models.RoleVoter)

	_, err := f.actor.StartRound(ctx, alice.Participant.ID, "", nil, 0)
	assert.Equal(t, protocol.CodeForbidden, wireCode(t, err))
}

func TestRoundNumbersAreDense(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)

	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	require.NoError(t, err)
	_, err = f.actor.CastVote(ctx, carol.Participant.ID, "", "3")
	require.NoError(t, err)
	_, err = f.actor.Reveal(ctx, carol.Participant.ID, "")
	require.NoError(t, err)

	// Reset of a revealed round opens round 2.
	_, err = f.actor.ResetRound(ctx, carol.Participant.ID, "", true)
	require.NoError(t, err)

	var reset protocol.RoundResetPayload
	require.NoError(t, f.sink.last(t, protocol.TypeRoundWasReset).DecodePayload(&reset))
	require.NotNil(t, reset.NewRound)
	assert.Equal(t, 2, reset.NewRound.RoundNumber)

	_, err = f.actor.ResetRound(ctx, carol.Participant.ID, "", true)
	require.NoError(t, err)
	require.NoError(t, f.sink.last(t, protocol.TypeRoundWasReset).DecodePayload(&reset))
	require.NotNil(t, reset.NewRound)
	assert.Equal(t, 3, reset.NewRound.RoundNumber)
}

func TestRoomCapacity(t *testing.T) {
	f := newActorFixture(t, func(l *config.LimitsConfig) { l.RoomCapacity = 2 })

	f.join(t, "Carol", models.RoleVoter)
	f.join(t, "Alice", models.RoleVoter)

	id := uuid.New()
	_, err := f.actor.Register(context.Background(), RegisterParams{
		Principal:   auth.Principal{UserID: &id},
		DisplayName: "Bob",
	})
	assert.Equal(t, protocol.CodeRoomFull, wireCode(t, err))
}

func TestHostMigrationAfterGraceExpiry(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter) // host
	alice := f.join(t, "Alice", models.RoleVoter) // joined earlier than Bob
	f.clk.Advance(time.Minute)
	bob := f.join(t, "Bob", models.RoleVoter)

	require.NoError(t, f.actor.Disconnect(ctx, carol.Participant.ID))

	var disc protocol.ParticipantDisconnectedPayload
	require.NoError(t, f.sink.last(t, protocol.TypeParticipantDisconnected).DecodePayload(&disc))
	assert.Equal(t, carol.Participant.ID, disc.ParticipantID)
	assert.Equal(t, f.clk.Now().Add(5*time.Minute), disc.GraceDeadline)

	f.clk.Advance(5*time.Minute + time.Second)
	// A synchronous command after the advance guarantees the posted grace
	// expiry ran before we inspect the broadcasts.
	_, err := f.actor.Snapshot(ctx, alice.Participant.ID)
	require.NoError(t, err)

	var left protocol.ParticipantLeftPayload
	require.NoError(t, f.sink.last(t, protocol.TypeParticipantLeft).DecodePayload(&left))
	assert.Equal(t, carol.Participant.ID, left.ParticipantID)
	assert.Equal(t, "grace_expired", left.Reason)

	var presence protocol.PresenceUpdatePayload
	require.NoError(t, f.sink.last(t, protocol.TypePresenceUpdate).DecodePayload(&presence))
	assert.Equal(t, alice.Participant.ID, presence.ParticipantID, "earliest-connected voter is promoted")
	assert.Equal(t, models.RoleHost, presence.Role)
	_ = bob
}

func TestReconnectWithinGraceReplaysMissedEvents(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	aliceID := uuid.New()
	aliceRes, err := f.actor.Register(ctx, RegisterParams{
		Principal:   auth.Principal{UserID: &aliceID},
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	bob := f.join(t, "Bob", models.RoleVoter)

	_, err = f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	require.NoError(t, err)

	snap, err := f.actor.Snapshot(ctx, aliceRes.Participant.ID)
	require.NoError(t, err)
	lastSeen := snap.LastEventID

	require.NoError(t, f.actor.Disconnect(ctx, aliceRes.Participant.ID))

	// Missed while away: Bob votes, Carol reveals.
	_, err = f.actor.CastVote(ctx, bob.Participant.ID, "", "8")
	require.NoError(t, err)
	_, err = f.actor.Reveal(ctx, carol.Participant.ID, "")
	require.NoError(t, err)

	f.clk.Advance(2 * time.Minute)
	back, err := f.actor.Register(ctx, RegisterParams{
		Principal:   auth.Principal{UserID: &aliceID},
		DisplayName: "Alice",
		LastEventID: &lastSeen,
	})
	require.NoError(t, err)

	assert.Equal(t, aliceRes.Participant.ID, back.Participant.ID, "grace reconnect restores the same participant")
	assert.False(t, back.State.FullResync)
	require.NotEmpty(t, back.Replay)
	for i, ev := range back.Replay {
		assert.Greater(t, ev.EventID, lastSeen)
		if i > 0 {
			assert.Greater(t, ev.EventID, back.Replay[i-1].EventID, "replay preserves event order")
		}
	}
	// The replay covers everything between the snapshot and the state.
	assert.Equal(t, back.State.LastEventID, back.Replay[len(back.Replay)-1].EventID)

	types := make([]string, 0, len(back.Replay))
	for _, ev := range back.Replay {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, protocol.TypeVoteRecorded)
	assert.Contains(t, types, protocol.TypeRoundRevealed)
}

func TestReconnectAfterGraceIsFreshJoin(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	f.join(t, "Carol", models.RoleVoter)
	aliceID := uuid.New()
	aliceRes, err := f.actor.Register(ctx, RegisterParams{
		Principal:   auth.Principal{UserID: &aliceID},
		DisplayName: "Alice",
	})
	require.NoError(t, err)

	snap, err := f.actor.Snapshot(ctx, aliceRes.Participant.ID)
	require.NoError(t, err)
	lastSeen := snap.LastEventID

	require.NoError(t, f.actor.Disconnect(ctx, aliceRes.Participant.ID))
	f.clk.Advance(5*time.Minute + time.Second)
	_, err = f.actor.Snapshot(ctx, "")
	require.NoError(t, err)

	back, err := f.actor.Register(ctx, RegisterParams{
		Principal:   auth.Principal{UserID: &aliceID},
		DisplayName: "Alice",
		LastEventID: &lastSeen,
	})
	require.NoError(t, err)
	assert.NotEqual(t, aliceRes.Participant.ID, back.Participant.ID, "past the deadline a new participant is created")
}

func TestReconnectWithFutureEventIDForcesResync(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	f.join(t, "Carol", models.RoleVoter)
	aliceID := uuid.New()
	aliceRes, err := f.actor.Register(ctx, RegisterParams{
		Principal:   auth.Principal{UserID: &aliceID},
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	require.NoError(t, f.actor.Disconnect(ctx, aliceRes.Participant.ID))

	// An id ahead of the room's sequence can only come from a previous
	// actor incarnation.
	stale := uint64(999)
	back, err := f.actor.Register(ctx, RegisterParams{
		Principal:   auth.Principal{UserID: &aliceID},
		DisplayName: "Alice",
		LastEventID: &stale,
	})
	require.NoError(t, err)

	assert.True(t, back.State.FullResync)
	assert.Empty(t, back.Replay)
	assert.Greater(t, stale, back.State.LastEventID)
}

func TestEmitEncodeFailureSurfacesInternalError(t *testing.T) {
	f := newActorFixture(t, nil)

	_, err := f.actor.emitReply(protocol.TypeChatMessage, "req-1", map[string]any{
		"bad": make(chan int),
	})
	assert.Equal(t, protocol.CodeInternal, wireCode(t, err))
}

func TestRoundTimerBroadcastsExpiry(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 30)
	require.NoError(t, err)

	var started protocol.RoundStartedPayload
	require.NoError(t, f.sink.last(t, protocol.TypeRoundStarted).DecodePayload(&started))
	require.NotNil(t, started.Round.EndsAt)
	assert.Equal(t, f.clk.Now().Add(30*time.Second), *started.Round.EndsAt)

	f.clk.Advance(31 * time.Second)
	_, err = f.actor.Snapshot(ctx, carol.Participant.ID)
	require.NoError(t, err)

	var presence protocol.PresenceUpdatePayload
	require.NoError(t, f.sink.last(t, protocol.TypePresenceUpdate).DecodePayload(&presence))
	assert.True(t, presence.TimerExpired)

	// The timer is advisory: the round is still open.
	snap, err := f.actor.Snapshot(ctx, carol.Participant.ID)
	require.NoError(t, err)
	require.NotNil(t, snap.Round)
	assert.Equal(t, models.RoundOpen, snap.Round.State)
}

func TestRoundTimerOutOfRangeRejected(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 5)
	assert.Equal(t, protocol.CodeValidation, wireCode(t, err))

	_, err = f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 601)
	assert.Equal(t, protocol.CodeValidation, wireCode(t, err))
}

func TestVotePersistFailureEmitsNoBroadcast(t *testing.T) {
	f := newActorFixture(t, nil)
	ctx := context.Background()

	carol := f.join(t, "Carol", models.RoleVoter)
	_, err := f.actor.StartRound(ctx, carol.Participant.ID, "", nil, 0)
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.failVoteInsert = context.DeadlineExceeded
	f.store.mu.Unlock()

	_, err = f.actor.CastVote(ctx, carol.Participant.ID, "", "5")
	assert.Equal(t, protocol.CodeInternal, wireCode(t, err))
	assert.Equal(t, 0, f.sink.count(t, protocol.TypeVoteRecorded))

	// The client may retry once the store recovers.
	f.store.mu.Lock()
	f.store.failVoteInsert = nil
	f.store.mu.Unlock()
	_, err = f.actor.CastVote(ctx, carol.Participant.ID, "", "5")
	require.NoError(t, err)
}

func TestIdleActorUnloads(t *testing.T) {
	unloaded := make(chan string, 1)
	owner := uuid.New()
	store := newFakeStore(&models.Room{
		ID:          testRoomID,
		OwnerUserID: owner.String(),
		PrivacyMode: models.PrivacyPublic,
		Config:      models.RoomConfig{DeckName: "fibonacci"},
	})
	clk := clock.NewMock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	a, err := loadActor(context.Background(), testRoomID, store, &frameSink{}, &fakeBus{}, clk, config.DefaultLimits(), func(roomID string) {
		unloaded <- roomID
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	id := uuid.New()
	res, err := a.Register(context.Background(), RegisterParams{
		Principal:   auth.Principal{UserID: &id},
		DisplayName: "Carol",
	})
	require.NoError(t, err)
	require.NoError(t, a.Leave(context.Background(), res.Participant.ID, "left"))

	clk.Advance(61 * time.Second)

	select {
	case roomID := <-unloaded:
		assert.Equal(t, testRoomID, roomID)
	case <-time.After(2 * time.Second):
		t.Fatal("idle actor did not unload")
	}

	_, err = a.Register(context.Background(), RegisterParams{
		Principal:   auth.Principal{UserID: &id},
		DisplayName: "Carol",
	})
	assert.ErrorIs(t, err, ErrActorStopped)
}

func TestDeletedRoomRejectsJoin(t *testing.T) {
	now := time.Now()
	owner := uuid.New()
	store := newFakeStore(&models.Room{
		ID:          testRoomID,
		OwnerUserID: owner.String(),
		PrivacyMode: models.PrivacyPublic,
		Config:      models.RoomConfig{DeckName: "fibonacci"},
		DeletedAt:   &now,
	})
	clk := clock.NewMock(now)
	a, err := loadActor(context.Background(), testRoomID, store, &frameSink{}, &fakeBus{}, clk, config.DefaultLimits(), nil)
	require.NoError(t, err)
	t.Cleanup(a.Stop)

	id := uuid.New()
	_, err = a.Register(context.Background(), RegisterParams{
		Principal:   auth.Principal{UserID: &id},
		DisplayName: "Carol",
	})
	assert.Equal(t, protocol.CodeRoomNotFound, wireCode(t, err))
}
