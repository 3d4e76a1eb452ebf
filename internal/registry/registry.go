// Package registry owns the set of live rooms. Like the rooms themselves it
// is an actor: all map access happens on one goroutine fed by a typed inbox.
package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pixel-war-backend/internal/game"
	"pixel-war-backend/internal/protocol"
	"pixel-war-backend/internal/room"
)

type Msg interface{ isRegistryMsg() }

type CreateRoom struct {
	Reply chan *room.Room
}

type GetRoom struct {
	ID    string
	Reply chan *room.Room
}

type ListRooms struct {
	Reply chan []protocol.RoomSummary
}

type RemoveRoom struct{ ID string }

type ShutdownRegistry struct{}

func (CreateRoom) isRegistryMsg()       {}
func (GetRoom) isRegistryMsg()          {}
func (ListRooms) isRegistryMsg()        {}
func (RemoveRoom) isRegistryMsg()       {}
func (ShutdownRegistry) isRegistryMsg() {}

type Registry struct {
	inbox    chan Msg
	rooms    map[string]*room.Room
	settings game.Settings
	grace    time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
}

func New(parent context.Context, settings game.Settings, grace time.Duration, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	reg := &Registry{
		inbox:    make(chan Msg, 64),
		rooms:    make(map[string]*room.Room),
		settings: settings,
		grace:    grace,
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	go reg.loop()
	return reg
}

func (reg *Registry) Inbox() chan<- Msg { return reg.inbox }

func (reg *Registry) loop() {
	for {
		select {
		case <-reg.ctx.Done():
			reg.shutdown()
			return

		case m := <-reg.inbox:
			switch msg := m.(type) {
			case CreateRoom:
				// Ids are uuids, so a collision check would be theater.
				id := uuid.NewString()
				rm := room.New(reg.ctx, id, reg.settings, reg.grace, reg.log, reg.roomExpired)
				reg.rooms[id] = rm
				reg.log.Info("room created", zap.String("room", id))
				msg.Reply <- rm

			case GetRoom:
				msg.Reply <- reg.rooms[msg.ID] // may be nil

			case ListRooms:
				msg.Reply <- reg.summaries()

			case RemoveRoom:
				delete(reg.rooms, msg.ID)

			case ShutdownRegistry:
				reg.shutdown()
				return
			}
		}
	}
}

// roomExpired runs on the expiring room's goroutine; it only enqueues.
func (reg *Registry) roomExpired(id string) {
	select {
	case reg.inbox <- RemoveRoom{ID: id}:
	case <-reg.ctx.Done():
	}
}

// summaries is a lazy, non-authoritative snapshot for discovery UIs. A room
// that shuts down mid-listing is simply skipped.
func (reg *Registry) summaries() []protocol.RoomSummary {
	out := make([]protocol.RoomSummary, 0, len(reg.rooms))
	for id, rm := range reg.rooms {
		reply := make(chan room.View, 1)
		if !rm.Send(room.GetState{Reply: reply}) {
			continue
		}
		select {
		case view := <-reply:
			out = append(out, protocol.RoomSummary{
				ID:            id,
				Players:       len(view.State.Players),
				IsGameStarted: view.State.Phase == game.PhaseInProgress,
			})
		case <-rm.Done():
		}
	}
	return out
}

func (reg *Registry) shutdown() {
	for id, rm := range reg.rooms {
		rm.Send(room.Shutdown{})
		delete(reg.rooms, id)
	}
	reg.cancel()
}
