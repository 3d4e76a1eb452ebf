package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pixel-war-backend/internal/game"
	"pixel-war-backend/internal/protocol"
	"pixel-war-backend/internal/registry"
	"pixel-war-backend/internal/room"
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 16
)

// readTimeout bounds each frame read so a silently dead peer frees its
// player slot without waiting for TCP. A var so tests can shorten it.
var readTimeout = 30 * time.Second

// session is the per-connection record: identity, the room currently joined,
// and the outbox the room broadcasts into. The room owns the outbox lifecycle
// (it closes it to drop a slow client), so every Join hands over a fresh
// channel and swap points the writer at it; a channel the previous room is
// still free to close must never reach the next room. Handler-level replies
// go through a separate local channel so the two writers never race on one
// channel.
type session struct {
	id     string
	outbox chan protocol.Envelope
	swap   chan chan protocol.Envelope
	local  chan protocol.Envelope
	done   <-chan struct{}
	room   *room.Room
}

func Handler(reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		sess := &session{
			id:     uuid.NewString(),
			outbox: make(chan protocol.Envelope, outboxSize),
			swap:   make(chan chan protocol.Envelope, 1),
			local:  make(chan protocol.Envelope, 8),
		}
		log := log.With(zap.String("conn", sess.id))

		// Disconnect is an implicit leave, whatever else happened.
		defer func() {
			if sess.room != nil {
				sess.room.Send(room.Leave{ConnID: sess.id})
			}
		}()

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		sess.done = writeCtx.Done()
		go func() {
			defer writeCancel()
			outbox := sess.outbox
			for {
				var env protocol.Envelope
				var ok bool
				select {
				case env, ok = <-outbox:
					if !ok {
						// The current room dropped or shut us down.
						return
					}
				case outbox = <-sess.swap:
					// Joined another room; stop draining the old channel.
					continue
				case env = <-sess.local:
				case <-writeCtx.Done():
					return
				}
				payload, err := json.Marshal(env)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
		}()

		for {
			readCtx, readCancel := context.WithTimeout(writeCtx, readTimeout)
			_, data, err := conn.Read(readCtx)
			readCancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			event, payload, err := protocol.DecodeClient(data)
			if err != nil {
				log.Debug("rejected frame", zap.String("event", event), zap.Error(err))
				sess.replyError(protocol.CodeInvalidArgument, err.Error())
				continue
			}

			dispatch(reg, sess, event, payload)
		}
	}
}

func dispatch(reg *registry.Registry, sess *session, event string, payload any) {
	switch p := payload.(type) {
	case protocol.JoinRoomPayload:
		replyCh := make(chan *room.Room, 1)
		reg.Inbox() <- registry.GetRoom{ID: p.RoomID, Reply: replyCh}
		rm := <-replyCh
		if rm == nil {
			sess.replyError(protocol.CodeNotFound, "room not found")
			return
		}
		// A player belongs to at most one room at a time.
		if sess.room != nil && sess.room.ID() != rm.ID() {
			sess.room.Send(room.Leave{ConnID: sess.id})
		}
		// The room being joined gets a channel nobody else has ever held;
		// whatever the previous room does with the old one cannot touch it.
		sess.outbox = make(chan protocol.Envelope, outboxSize)
		select {
		case sess.swap <- sess.outbox:
		case <-sess.done:
			return
		}
		sess.room = rm
		if !rm.Send(room.Join{
			ConnID:    sess.id,
			Name:      p.Name,
			Character: p.Character,
			Outbox:    sess.outbox,
		}) {
			sess.room = nil
			sess.replyError(protocol.CodeNotFound, "room not found")
		}

	case protocol.RoomLeavePayload:
		if rm := sess.joined(p.RoomID); rm != nil {
			rm.Send(room.Leave{ConnID: sess.id})
			sess.room = nil
		}

	case protocol.GetRoomUsersPayload:
		if rm := sess.joined(p.RoomID); rm != nil {
			rm.Send(room.GetUsers{ConnID: sess.id})
		}

	case protocol.JoinTeamPayload:
		if rm := sess.joined(p.RoomID); rm != nil {
			rm.Send(room.FromClient{ConnID: sess.id, Cmd: game.Command{
				Type:     game.CmdSelectTeam,
				PlayerID: sess.id,
				TeamID:   game.TeamID(p.TeamID),
			}})
		}

	case protocol.StartGamePayload:
		if rm := sess.joined(p.RoomID); rm != nil {
			rm.Send(room.FromClient{ConnID: sess.id, Cmd: game.Command{
				Type:     game.CmdStartGame,
				PlayerID: sess.id,
			}})
		}

	case protocol.PlayerMovePayload:
		if rm := sess.joined(p.RoomID); rm != nil {
			rm.Send(room.FromClient{ConnID: sess.id, Cmd: game.Command{
				Type:     game.CmdMove,
				PlayerID: sess.id,
				Position: game.Position{X: p.Position.X, Y: p.Position.Y},
			}})
		}

	case protocol.TileUpdatePayload:
		if rm := sess.joined(p.RoomID); rm != nil {
			rm.Send(room.FromClient{ConnID: sess.id, Cmd: game.Command{
				Type:     game.CmdClaimTile,
				PlayerID: sess.id,
				X:        p.X,
				Y:        p.Y,
			}})
		}

	default:
		if event == protocol.EventGetRooms {
			replyCh := make(chan []protocol.RoomSummary, 1)
			reg.Inbox() <- registry.ListRooms{Reply: replyCh}
			env, err := protocol.NewEnvelope(protocol.EventAllRooms, protocol.AllRoomsPayload{Rooms: <-replyCh})
			if err == nil {
				sess.send(env)
			}
		}
	}
}

// joined resolves a room-scoped request against the session's current room.
// Requests for rooms the connection is not in are refused to the sender only.
func (s *session) joined(roomID string) *room.Room {
	if s.room == nil || s.room.ID() != roomID {
		s.replyError(protocol.CodeNotFound, "not joined to that room")
		return nil
	}
	return s.room
}

func (s *session) replyError(code, message string) {
	env, err := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	s.send(env)
}

func (s *session) send(env protocol.Envelope) {
	select {
	case s.local <- env:
	default:
	}
}
