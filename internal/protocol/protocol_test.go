package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJoinRoom(t *testing.T) {
	raw := []byte(`{"event":"joinRoom","data":{"roomId":"r1","name":"Alice","character":3}}`)
	event, payload, err := DecodeClient(raw)
	require.NoError(t, err)
	assert.Equal(t, EventJoinRoom, event)
	assert.Equal(t, JoinRoomPayload{RoomID: "r1", Name: "Alice", Character: 3}, payload)
}

func TestDecodeRejectsScalarPosition(t *testing.T) {
	// The original client once sent a bare number as a position; the server
	// must refuse it rather than reinterpret it as a coordinate pair.
	raw := []byte(`{"event":"player:move","data":{"roomId":"r1","playerId":"p1","position":42}}`)
	_, _, err := DecodeClient(raw)
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestDecodeRejectsMissingPosition(t *testing.T) {
	raw := []byte(`{"event":"player:move","data":{"roomId":"r1","playerId":"p1"}}`)
	_, _, err := DecodeClient(raw)
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestDecodeMove(t *testing.T) {
	raw := []byte(`{"event":"player:move","data":{"roomId":"r1","playerId":"p1","position":{"x":64,"y":96}}}`)
	_, payload, err := DecodeClient(raw)
	require.NoError(t, err)
	p, ok := payload.(PlayerMovePayload)
	require.True(t, ok)
	assert.Equal(t, Position{X: 64, Y: 96}, *p.Position)
}

func TestDecodeUnknownEvent(t *testing.T) {
	raw := []byte(`{"event":"room:hijack","data":{}}`)
	event, _, err := DecodeClient(raw)
	require.ErrorIs(t, err, ErrUnknownEvent)
	assert.Equal(t, "room:hijack", event)
}

func TestDecodeRejectsBadJSON(t *testing.T) {
	_, _, err := DecodeClient([]byte(`{"event":`))
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestDecodeJoinRoomRequiresNameAndRoom(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "missing name", raw: `{"event":"joinRoom","data":{"roomId":"r1"}}`},
		{name: "missing room", raw: `{"event":"joinRoom","data":{"name":"Alice"}}`},
		{name: "missing payload", raw: `{"event":"joinRoom"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodeClient([]byte(tc.raw))
			require.ErrorIs(t, err, ErrBadPayload)
		})
	}
}

func TestDecodeTileUpdate(t *testing.T) {
	raw := []byte(`{"event":"tile:update","data":{"roomId":"r1","x":64,"y":32,"color":16711680,"playerId":"p1"}}`)
	_, payload, err := DecodeClient(raw)
	require.NoError(t, err)
	assert.Equal(t, TileUpdatePayload{RoomID: "r1", X: 64, Y: 32, Color: 0xff0000, PlayerID: "p1"}, payload)
}

func TestDecodeGetRoomsHasNoPayload(t *testing.T) {
	event, payload, err := DecodeClient([]byte(`{"event":"getRooms"}`))
	require.NoError(t, err)
	assert.Equal(t, EventGetRooms, event)
	assert.Nil(t, payload)
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventGameStarted, GameStartedPayload{RoomID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, EventGameStarted, env.Event)
	assert.JSONEq(t, `{"roomId":"r1"}`, string(env.Data))
}
