// Package room runs one goroutine per room. Every mutation of a room's state
// goes through that goroutine's inbox, so commands are serialized without
// locks and broadcasts always reflect the authoritative state at send time.
package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"pixel-war-backend/internal/game"
	"pixel-war-backend/internal/protocol"
)

type Msg interface{ isRoomMsg() }

// Join registers a connection and adds (or refreshes) its player. The join
// acknowledgment is sent to Outbox as a roomUsers envelope with Self set.
type Join struct {
	ConnID    string
	Name      string
	Character int
	Outbox    chan protocol.Envelope
}

func (Join) isRoomMsg() {}

type Leave struct{ ConnID string }

func (Leave) isRoomMsg() {}

// FromClient carries a validated command from a connection. Errors are
// reported only to that connection's outbox, or to Reply when set (the REST
// layer has no outbox).
type FromClient struct {
	ConnID string
	Cmd    game.Command
	Reply  chan error
}

func (FromClient) isRoomMsg() {}

type GetUsers struct{ ConnID string }

func (GetUsers) isRoomMsg() {}

type GetState struct{ Reply chan View }

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// emptyExpired fires when the empty-room grace period elapses. Gen guards
// against stale timers from an earlier empty spell.
type emptyExpired struct{ gen int }

func (emptyExpired) isRoomMsg() {}

type View struct {
	ID         string
	Version    int
	NumClients int
	State      game.State
}

type Room struct {
	id      string
	inbox   chan Msg
	state   game.State
	version int
	clients map[string]chan protocol.Envelope
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger

	grace    time.Duration
	emptyGen int
	// expired tells the owner (the registry) that the room sat without a
	// connection for the whole grace period and has shut down.
	expired func(id string)
}

func New(parent context.Context, id string, settings game.Settings, grace time.Duration, log *zap.Logger, expired func(id string)) *Room {
	ctx, cancel := context.WithCancel(parent)

	r := &Room{
		id:      id,
		inbox:   make(chan Msg, 64),
		state:   game.NewState(settings),
		clients: make(map[string]chan protocol.Envelope),
		ctx:     ctx,
		cancel:  cancel,
		log:     log.With(zap.String("room", id)),
		grace:   grace,
		expired: expired,
	}

	// Rooms are born empty; a room nobody ever connects to is reclaimed
	// the same way as one everybody left.
	r.armTeardown()

	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

func (r *Room) ID() string { return r.id }

// Done reports room shutdown, so senders never wedge on a dead inbox.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

// Send enqueues m unless the room has shut down.
func (r *Room) Send(m Msg) bool {
	select {
	case r.inbox <- m:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				r.handleJoin(msg)

			case Leave:
				r.handleLeave(msg.ConnID)

			case FromClient:
				err := r.apply(msg.ConnID, msg.Cmd)
				if msg.Reply != nil {
					msg.Reply <- err
				}

			case GetUsers:
				r.sendTo(msg.ConnID, r.usersEnvelope(""))

			case GetState:
				msg.Reply <- View{
					ID:         r.id,
					Version:    r.version,
					NumClients: len(r.clients),
					State:      r.state,
				}

			case emptyExpired:
				if msg.gen == r.emptyGen && len(r.clients) == 0 {
					r.log.Info("room empty past grace period, tearing down")
					if r.expired != nil {
						r.expired(r.id)
					}
					r.shutdown()
					return
				}

			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Room) handleJoin(msg Join) {
	r.clients[msg.ConnID] = msg.Outbox
	r.emptyGen++ // disarm any pending teardown

	cmd := game.Command{
		Type:      game.CmdJoin,
		PlayerID:  msg.ConnID,
		Name:      msg.Name,
		Character: msg.Character,
	}
	if err := r.apply(msg.ConnID, cmd); err != nil {
		return
	}
	// Full catch-up for the joiner: roster plus every owned cell.
	r.sendTo(msg.ConnID, r.usersEnvelope(msg.ConnID))
}

func (r *Room) handleLeave(connID string) {
	delete(r.clients, connID)
	_ = r.apply(connID, game.Command{Type: game.CmdLeave, PlayerID: connID})

	// Emptiness means no connections. Roster entries registered over REST
	// have no connection to lose and must not keep the room alive forever.
	if len(r.clients) == 0 {
		r.armTeardown()
	}
}

func (r *Room) armTeardown() {
	r.emptyGen++
	gen := r.emptyGen
	time.AfterFunc(r.grace, func() {
		select {
		case r.inbox <- emptyExpired{gen: gen}:
		case <-r.ctx.Done():
		}
	})
}

// apply runs a command against the state, bumps the version when anything
// changed, and turns the resulting events into broadcasts. The returned
// error, if any, was already delivered to the offending connection.
func (r *Room) apply(connID string, cmd game.Command) error {
	events, newState, err := game.Apply(r.state, cmd)
	if err != nil {
		r.log.Debug("command rejected",
			zap.String("cmd", string(cmd.Type)),
			zap.String("conn", connID),
			zap.Error(err))
		r.sendError(connID, err)
		return err
	}
	r.state = newState
	if len(events) > 0 {
		r.version++
	}
	for _, ev := range events {
		r.emit(connID, ev)
	}
	return nil
}

func (r *Room) emit(origin string, ev game.Event) {
	switch ev.Type {
	case game.EvtPlayerJoined:
		env, err := protocol.NewEnvelope(protocol.EventPlayerJoined, playerInfo(ev.Player))
		if err == nil {
			r.broadcast(env, "")
		}

	case game.EvtRosterChanged:
		env, err := protocol.NewEnvelope(protocol.EventPlayersUpdate, protocol.PlayersUpdatePayload{
			Players: rosterInfos(r.state),
			Version: r.version,
		})
		if err == nil {
			r.broadcast(env, "")
		}

	case game.EvtGameStarted:
		r.log.Info("game started", zap.Int("players", len(r.state.Players)))
		env, err := protocol.NewEnvelope(protocol.EventGameStarted, protocol.GameStartedPayload{RoomID: r.id})
		if err == nil {
			r.broadcast(env, "")
		}

	case game.EvtGameEnded:
		standings := make(map[string]int, len(ev.Standings))
		for team, n := range ev.Standings {
			standings[string(team)] = n
		}
		env, err := protocol.NewEnvelope(protocol.EventGameEnded, protocol.GameEndedPayload{
			RoomID:    r.id,
			Standings: standings,
		})
		if err == nil {
			r.broadcast(env, "")
		}

	case game.EvtPlayerMoved:
		env, err := protocol.NewEnvelope(protocol.EventPlayerMoved, protocol.PlayerMovedPayload{
			PlayerID: ev.Player.ID,
			Position: protocol.Position{X: ev.Player.Position.X, Y: ev.Player.Position.Y},
		})
		if err == nil {
			// The mover already has its own position.
			r.broadcast(env, origin)
		}

	case game.EvtTileClaimed:
		team, _ := game.TeamByID(ev.TeamID)
		cell := r.state.Settings.CellSize
		env, err := protocol.NewEnvelope(protocol.EventTileUpdated, protocol.TileUpdatedPayload{
			X:        ev.X * cell,
			Y:        ev.Y * cell,
			Color:    team.Color,
			PlayerID: ev.Player.ID,
			TeamID:   string(ev.TeamID),
		})
		if err == nil {
			r.broadcast(env, "")
		}
	}
}

func (r *Room) usersEnvelope(self string) protocol.Envelope {
	payload := protocol.RoomUsersPayload{
		Users:   rosterInfos(r.state),
		Self:    self,
		Version: r.version,
	}
	for _, c := range r.state.Grid.Cells() {
		team, _ := game.TeamByID(c.TeamID)
		cell := r.state.Settings.CellSize
		payload.Grid = append(payload.Grid, protocol.TileInfo{
			X:      c.X * cell,
			Y:      c.Y * cell,
			Color:  team.Color,
			TeamID: string(c.TeamID),
		})
	}
	env, _ := protocol.NewEnvelope(protocol.EventRoomUsers, payload)
	return env
}

func (r *Room) sendError(connID string, err error) {
	env, encErr := protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{
		Code:    ErrorCode(err),
		Message: err.Error(),
	})
	if encErr != nil {
		return
	}
	r.sendTo(connID, env)
}

func (r *Room) sendTo(connID string, env protocol.Envelope) {
	ch, ok := r.clients[connID]
	if !ok {
		return
	}
	select {
	case ch <- env:
	default:
		// Client is slow/full - drop them.
		close(ch)
		delete(r.clients, connID)
	}
}

func (r *Room) broadcast(env protocol.Envelope, except string) {
	for id, ch := range r.clients {
		if id == except {
			continue
		}
		select {
		case ch <- env:
		default:
			close(ch)
			delete(r.clients, id)
		}
	}
}

func (r *Room) shutdown() {
	for id, ch := range r.clients {
		close(ch)
		delete(r.clients, id)
	}
	r.cancel()
}

// ErrorCode maps a rejection to its wire taxonomy.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, game.ErrUnknownPlayer):
		return protocol.CodeNotFound
	case errors.Is(err, game.ErrUnknownTeam),
		errors.Is(err, game.ErrOutOfBounds),
		errors.Is(err, game.ErrUnsupportedCommand):
		return protocol.CodeInvalidArgument
	default:
		return protocol.CodeInvalidState
	}
}

func playerInfo(p game.Player) protocol.PlayerInfo {
	return protocol.PlayerInfo{
		ID:        p.ID,
		Name:      p.Name,
		TeamID:    string(p.TeamID),
		Character: p.Character,
		Position:  protocol.Position{X: p.Position.X, Y: p.Position.Y},
	}
}

func rosterInfos(s game.State) []protocol.PlayerInfo {
	infos := make([]protocol.PlayerInfo, 0, len(s.Players))
	for _, p := range s.Players {
		infos = append(infos, playerInfo(p))
	}
	return infos
}
