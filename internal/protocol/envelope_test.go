package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodedFrameRoundTrips(t *testing.T) {
	frame, err := Encode(TypeVoteCast, "req-1", CastVotePayload{CardValue: "5"})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeVoteCast, env.Type)
	assert.Equal(t, "req-1", env.RequestID)
	assert.Nil(t, env.EventID)

	var payload CastVotePayload
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "5", payload.CardValue)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type": "vote.cast.v1"`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeRejectsInvalidType(t *testing.T) {
	cases := []string{
		"",
		"vote",
		"vote.cast",
		"vote.cast.v",
		"Vote.Cast.v1",
		"vote.cast.v1.extra.suffix.making.it.far.too.long.for.the.envelope",
	}
	for _, typ := range cases {
		raw, err := json.Marshal(map[string]string{"type": typ})
		require.NoError(t, err)
		_, err = Decode(raw)
		assert.ErrorIs(t, err, ErrInvalidType, "type %q", typ)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	env, err := Decode([]byte(`{"type":"room.join.v1","requestId":"r","future":"field","payload":{"displayName":"Ann"}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeRoomJoin, env.Type)

	var payload JoinPayload
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "Ann", payload.DisplayName)
}

func TestEncodeEventCarriesEventID(t *testing.T) {
	frame, err := EncodeEvent(TypeVoteRecorded, "", 42, VoteRecordedPayload{VoteCount: 1})
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, env.EventID)
	assert.Equal(t, uint64(42), *env.EventID)
}

func TestEncodeErrorEchoesRequestID(t *testing.T) {
	frame := EncodeError("req-9", NewWireError(CodeInvalidVote, "card value not in deck").
		WithDetails(map[string]any{"validValues": []string{"1", "2"}}))

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, "req-9", env.RequestID)

	var payload ErrorPayload
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, CodeInvalidVote, payload.Code)
	assert.Contains(t, payload.Details, "validValues")
}

func TestValidateTypeAcceptsKnownSurface(t *testing.T) {
	for _, typ := range []string{
		TypeRoomJoin, TypeRoomLeave, TypeRoundStart, TypeVoteCast,
		TypeRoundReveal, TypeRoundReset, TypeChatSend, TypePresenceHeartbeat,
		TypeRoomState, TypeParticipantJoined, TypeParticipantLeft,
		TypeParticipantDisconnected, TypeRoundStarted, TypeVoteRecorded,
		TypeRoundRevealed, TypeChatMessage, TypePresenceUpdate, TypeError,
		TypeServerShutdown,
	} {
		assert.NoError(t, ValidateType(typ), "type %q", typ)
	}
}
