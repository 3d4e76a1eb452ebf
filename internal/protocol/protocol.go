// Package protocol defines the closed wire schema for the event channel.
// Every event name carries exactly one payload shape; malformed payloads are
// rejected at decode time, never coerced.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEvent = errors.New("unknown event")
var ErrBadPayload = errors.New("malformed payload")

// Client -> server.
const (
	EventJoinRoom     = "joinRoom"
	EventGetRoomUsers = "getRoomUsers"
	EventJoinTeam     = "joinTeam"
	EventStartGame    = "startGame"
	EventPlayerMove   = "player:move"
	EventTileUpdate   = "tile:update"
	EventRoomLeave    = "room:leave"
	EventGetRooms     = "getRooms"
)

// Server -> client.
const (
	EventRoomUsers     = "roomUsers"
	EventPlayerJoined  = "player:joined"
	EventPlayersUpdate = "room:playersUpdate"
	EventGameStarted   = "gameStarted"
	EventGameEnded     = "gameEnded"
	EventPlayerMoved   = "player:moved"
	EventTileUpdated   = "tile:updated"
	EventAllRooms      = "allRooms"
	EventError         = "error"
)

// Envelope is the frame put on the wire: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. Payload types in this
// package always marshal; an error here is a programming bug surfaced to the
// caller rather than swallowed.
func NewEnvelope(event string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type JoinRoomPayload struct {
	RoomID    string `json:"roomId"`
	Name      string `json:"name"`
	Character int    `json:"character"`
}

type GetRoomUsersPayload struct {
	RoomID string `json:"roomId"`
}

type JoinTeamPayload struct {
	RoomID string `json:"roomId"`
	TeamID string `json:"teamId"`
}

type StartGamePayload struct {
	RoomID string `json:"roomId"`
}

type PlayerMovePayload struct {
	RoomID   string    `json:"roomId"`
	PlayerID string    `json:"playerId"`
	Position *Position `json:"position"`
}

// TileUpdatePayload coordinates are absolute pixels, snapped to the cell
// size by the sender.
type TileUpdatePayload struct {
	RoomID   string `json:"roomId"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Color    uint32 `json:"color"`
	PlayerID string `json:"playerId"`
}

type RoomLeavePayload struct {
	RoomID string `json:"roomId"`
}

type PlayerInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	TeamID    string   `json:"teamId,omitempty"`
	Character int      `json:"character"`
	Position  Position `json:"position"`
}

// RoomUsersPayload answers getRoomUsers and acknowledges joinRoom. Self is
// set only on the join reply so the joiner learns its own id.
type RoomUsersPayload struct {
	Users   []PlayerInfo `json:"users"`
	Self    string       `json:"self,omitempty"`
	Version int          `json:"version"`
	Grid    []TileInfo   `json:"grid,omitempty"`
}

type TileInfo struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Color  uint32 `json:"color"`
	TeamID string `json:"teamId"`
}

type PlayersUpdatePayload struct {
	Players []PlayerInfo `json:"players"`
	Version int          `json:"version"`
}

type GameStartedPayload struct {
	RoomID string `json:"roomId"`
}

type GameEndedPayload struct {
	RoomID string `json:"roomId"`
	// Cells owned per team at the end of the game.
	Standings map[string]int `json:"standings"`
}

type PlayerMovedPayload struct {
	PlayerID string   `json:"playerId"`
	Position Position `json:"position"`
}

type TileUpdatedPayload struct {
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Color    uint32 `json:"color"`
	PlayerID string `json:"playerId"`
	TeamID   string `json:"teamId"`
}

type RoomSummary struct {
	ID            string `json:"id"`
	Players       int    `json:"players"`
	IsGameStarted bool   `json:"isGameStarted"`
}

type AllRoomsPayload struct {
	Rooms []RoomSummary `json:"rooms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes, mirroring the validation taxonomy.
const (
	CodeNotFound        = "not_found"
	CodeInvalidState    = "invalid_state"
	CodeInvalidArgument = "invalid_argument"
)

// DecodeClient parses a raw frame from a client into its typed payload.
// Unknown events and payloads that do not match the schema (a scalar where
// an object is required, a missing room id) fail with ErrUnknownEvent or
// ErrBadPayload.
func DecodeClient(raw []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	switch env.Event {
	case EventJoinRoom:
		var p JoinRoomPayload
		if err := decodeInto(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		if p.RoomID == "" || p.Name == "" {
			return env.Event, nil, fmt.Errorf("%w: roomId and name are required", ErrBadPayload)
		}
		return env.Event, p, nil

	case EventGetRoomUsers:
		var p GetRoomUsersPayload
		if err := decodeInto(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, p, nil

	case EventJoinTeam:
		var p JoinTeamPayload
		if err := decodeInto(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		if p.TeamID == "" {
			return env.Event, nil, fmt.Errorf("%w: teamId is required", ErrBadPayload)
		}
		return env.Event, p, nil

	case EventStartGame:
		var p StartGamePayload
		if err := decodeInto(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, p, nil

	case EventPlayerMove:
		var p PlayerMovePayload
		if err := decodeInto(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		// A numeric position was a client bug in the wild; a nil pointer
		// here means the field was absent, a decode error means it was not
		// an object. Both are refused rather than guessed at.
		if p.Position == nil {
			return env.Event, nil, fmt.Errorf("%w: position must be an {x, y} object", ErrBadPayload)
		}
		return env.Event, p, nil

	case EventTileUpdate:
		var p TileUpdatePayload
		if err := decodeInto(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, p, nil

	case EventRoomLeave:
		var p RoomLeavePayload
		if err := decodeInto(env.Data, &p); err != nil {
			return env.Event, nil, err
		}
		return env.Event, p, nil

	case EventGetRooms:
		return env.Event, nil, nil

	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func decodeInto(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing payload", ErrBadPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
