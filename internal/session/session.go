// Package session is the client-side aggregation point for the event
// channel: it turns local intents into outbound events and rebuilds a local
// read cache from authoritative broadcasts. The UI and rendering layers talk
// only to this package.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"pixel-war-backend/internal/protocol"
)

var ErrNotJoined = errors.New("not joined to a room")

// Lifecycle mirrors the room's state as seen from broadcasts.
type Lifecycle struct {
	Started   bool
	Ended     bool
	Standings map[string]int
}

// RemoteError is a request-scoped rejection relayed by the server.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Options struct {
	// CellSize is the pixel size of one grid cell; claim coordinates are
	// snapped to it before transmission.
	CellSize int
	Logger   *zap.Logger
}

type Session struct {
	conn     *websocket.Conn
	log      *zap.Logger
	cellSize int

	writeMu sync.Mutex

	mu        sync.Mutex
	selfID    string
	roomID    string
	players   []protocol.PlayerInfo
	version   int
	lifecycle Lifecycle
	tiles     map[[2]int]protocol.TileUpdatedPayload

	pendingJoin  chan error
	pendingRooms chan []protocol.RoomSummary

	nextSub     int
	rosterSubs  map[int]func([]protocol.PlayerInfo)
	tileSubs    map[int]func(protocol.TileUpdatedPayload)
	lifeSubs    map[int]func(Lifecycle)
	moveSubs    map[int]func(protocol.PlayerMovedPayload)
	errSubs     map[int]func(*RemoteError)
	readDone    chan struct{}
	closeReason error
}

// Dial connects to the server's event channel at url (the /ws endpoint).
func Dial(ctx context.Context, url string, opts Options) (*Session, error) {
	if opts.CellSize <= 0 {
		opts.CellSize = 32
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event channel: %w", err)
	}

	s := &Session{
		conn:       conn,
		log:        opts.Logger,
		cellSize:   opts.CellSize,
		tiles:      make(map[[2]int]protocol.TileUpdatedPayload),
		rosterSubs: make(map[int]func([]protocol.PlayerInfo)),
		tileSubs:   make(map[int]func(protocol.TileUpdatedPayload)),
		lifeSubs:   make(map[int]func(Lifecycle)),
		moveSubs:   make(map[int]func(protocol.PlayerMovedPayload)),
		errSubs:    make(map[int]func(*RemoteError)),
		readDone:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

// Join requests membership in a room and waits for the server's roster
// acknowledgment, so callers can render the room immediately afterwards.
func (s *Session) Join(ctx context.Context, roomID, name string, character int) error {
	wait := make(chan error, 1)
	s.mu.Lock()
	s.roomID = roomID
	s.pendingJoin = wait
	s.mu.Unlock()

	err := s.emit(ctx, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		RoomID:    roomID,
		Name:      name,
		Character: character,
	})
	if err != nil {
		return err
	}

	select {
	case err := <-wait:
		if err != nil {
			s.abandonJoin(roomID)
		}
		return err
	case <-s.readDone:
		s.abandonJoin(roomID)
		return s.closeReason
	case <-ctx.Done():
		s.abandonJoin(roomID)
		return ctx.Err()
	}
}

// abandonJoin rolls back the membership recorded optimistically by Join, so
// a session whose join was refused answers ErrNotJoined instead of emitting
// requests the server will only refuse again.
func (s *Session) abandonJoin(roomID string) {
	s.mu.Lock()
	if s.roomID == roomID {
		s.roomID = ""
	}
	s.pendingJoin = nil
	s.mu.Unlock()
}

func (s *Session) SelectTeam(ctx context.Context, teamID string) error {
	roomID, _, err := s.identity()
	if err != nil {
		return err
	}
	return s.emit(ctx, protocol.EventJoinTeam, protocol.JoinTeamPayload{RoomID: roomID, TeamID: teamID})
}

func (s *Session) Start(ctx context.Context) error {
	roomID, _, err := s.identity()
	if err != nil {
		return err
	}
	return s.emit(ctx, protocol.EventStartGame, protocol.StartGamePayload{RoomID: roomID})
}

// Move sends the local player's position. The cache keeps the in-flight
// value for responsiveness; the next broadcast overwrites it.
func (s *Session) Move(ctx context.Context, x, y float64) error {
	roomID, selfID, err := s.identity()
	if err != nil {
		return err
	}

	s.mu.Lock()
	for i := range s.players {
		if s.players[i].ID == selfID {
			s.players[i].Position = protocol.Position{X: x, Y: y}
		}
	}
	s.mu.Unlock()

	return s.emit(ctx, protocol.EventPlayerMove, protocol.PlayerMovePayload{
		RoomID:   roomID,
		PlayerID: selfID,
		Position: &protocol.Position{X: x, Y: y},
	})
}

// Claim paints the cell under the given pixel position. Coordinates are
// snapped to the cell grid before transmission; the claim itself is
// optimistic and resolved by the tile:updated broadcast.
func (s *Session) Claim(ctx context.Context, x, y float64, color uint32) error {
	roomID, selfID, err := s.identity()
	if err != nil {
		return err
	}
	return s.emit(ctx, protocol.EventTileUpdate, protocol.TileUpdatePayload{
		RoomID:   roomID,
		X:        snap(x, s.cellSize),
		Y:        snap(y, s.cellSize),
		Color:    color,
		PlayerID: selfID,
	})
}

func (s *Session) Leave(ctx context.Context) error {
	roomID, _, err := s.identity()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.roomID = ""
	s.selfID = ""
	s.mu.Unlock()
	return s.emit(ctx, protocol.EventRoomLeave, protocol.RoomLeavePayload{RoomID: roomID})
}

// RefreshRoster asks the server to re-send the authoritative roster, for
// callers that suspect a missed broadcast. The reply lands in the cache and
// the roster subscriptions.
func (s *Session) RefreshRoster(ctx context.Context) error {
	roomID, _, err := s.identity()
	if err != nil {
		return err
	}
	return s.emit(ctx, protocol.EventGetRoomUsers, protocol.GetRoomUsersPayload{RoomID: roomID})
}

// Rooms asks the server for the discovery listing.
func (s *Session) Rooms(ctx context.Context) ([]protocol.RoomSummary, error) {
	wait := make(chan []protocol.RoomSummary, 1)
	s.mu.Lock()
	s.pendingRooms = wait
	s.mu.Unlock()

	if err := s.emit(ctx, protocol.EventGetRooms, nil); err != nil {
		return nil, err
	}
	select {
	case rooms := <-wait:
		return rooms, nil
	case <-s.readDone:
		return nil, s.closeReason
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SelfID is the server-assigned player id, known after a successful Join.
func (s *Session) SelfID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfID
}

func (s *Session) Players() []protocol.PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.PlayerInfo(nil), s.players...)
}

func (s *Session) State() Lifecycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// TileAt looks up the cached owner of the cell under a pixel position.
func (s *Session) TileAt(x, y float64) (protocol.TileUpdatedPayload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tile, ok := s.tiles[[2]int{snap(x, s.cellSize), snap(y, s.cellSize)}]
	return tile, ok
}

// OnRoster subscribes to roster changes; the returned disposer
// deregisters the callback. Duplicate broadcasts are suppressed.
func (s *Session) OnRoster(fn func([]protocol.PlayerInfo)) func() {
	return subscribe(s, s.rosterSubs, fn)
}

func (s *Session) OnTile(fn func(protocol.TileUpdatedPayload)) func() {
	return subscribe(s, s.tileSubs, fn)
}

func (s *Session) OnLifecycle(fn func(Lifecycle)) func() {
	return subscribe(s, s.lifeSubs, fn)
}

func (s *Session) OnPlayerMoved(fn func(protocol.PlayerMovedPayload)) func() {
	return subscribe(s, s.moveSubs, fn)
}

// OnError receives request-scoped rejections that no synchronous call is
// waiting on (claims and moves are fire-and-forget).
func (s *Session) OnError(fn func(*RemoteError)) func() {
	return subscribe(s, s.errSubs, fn)
}

func subscribe[T any](s *Session, subs map[int]func(T), fn func(T)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) identity() (roomID, selfID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID == "" {
		return "", "", ErrNotJoined
	}
	return s.roomID, s.selfID, nil
}

func (s *Session) emit(ctx context.Context, event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			s.closeReason = err
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		s.handle(env)
	}
}

func (s *Session) handle(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventRoomUsers:
		var p protocol.RoomUsersPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		if p.Self != "" {
			s.selfID = p.Self
		}
		s.players = p.Users
		s.version = p.Version
		s.tiles = make(map[[2]int]protocol.TileUpdatedPayload)
		for _, t := range p.Grid {
			s.tiles[[2]int{t.X, t.Y}] = protocol.TileUpdatedPayload{X: t.X, Y: t.Y, Color: t.Color, TeamID: t.TeamID}
		}
		wait := s.pendingJoin
		s.pendingJoin = nil
		roster := append([]protocol.PlayerInfo(nil), s.players...)
		subs := snapshotSubs(s.rosterSubs)
		s.mu.Unlock()

		if wait != nil {
			wait <- nil
		}
		for _, fn := range subs {
			fn(roster)
		}

	case protocol.EventPlayerJoined:
		// The full room:playersUpdate that follows is the authority; the
		// delta alone is not applied to the cache.

	case protocol.EventPlayersUpdate:
		var p protocol.PlayersUpdatePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		if p.Version <= s.version {
			// Stale or duplicate broadcast; skip the re-render.
			s.mu.Unlock()
			return
		}
		s.version = p.Version
		s.players = p.Players
		roster := append([]protocol.PlayerInfo(nil), s.players...)
		subs := snapshotSubs(s.rosterSubs)
		s.mu.Unlock()
		for _, fn := range subs {
			fn(roster)
		}

	case protocol.EventGameStarted:
		s.mu.Lock()
		s.lifecycle = Lifecycle{Started: true}
		s.tiles = make(map[[2]int]protocol.TileUpdatedPayload)
		state := s.lifecycle
		subs := snapshotSubs(s.lifeSubs)
		s.mu.Unlock()
		for _, fn := range subs {
			fn(state)
		}

	case protocol.EventGameEnded:
		var p protocol.GameEndedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		s.lifecycle = Lifecycle{Started: false, Ended: true, Standings: p.Standings}
		state := s.lifecycle
		subs := snapshotSubs(s.lifeSubs)
		s.mu.Unlock()
		for _, fn := range subs {
			fn(state)
		}

	case protocol.EventPlayerMoved:
		var p protocol.PlayerMovedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		for i := range s.players {
			if s.players[i].ID == p.PlayerID {
				s.players[i].Position = p.Position
			}
		}
		subs := snapshotSubs(s.moveSubs)
		s.mu.Unlock()
		for _, fn := range subs {
			fn(p)
		}

	case protocol.EventTileUpdated:
		var p protocol.TileUpdatedPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		s.tiles[[2]int{p.X, p.Y}] = p
		subs := snapshotSubs(s.tileSubs)
		s.mu.Unlock()
		for _, fn := range subs {
			fn(p)
		}

	case protocol.EventAllRooms:
		var p protocol.AllRoomsPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		s.mu.Lock()
		wait := s.pendingRooms
		s.pendingRooms = nil
		s.mu.Unlock()
		if wait != nil {
			wait <- p.Rooms
		}

	case protocol.EventError:
		var p protocol.ErrorPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		remote := &RemoteError{Code: p.Code, Message: p.Message}
		s.mu.Lock()
		wait := s.pendingJoin
		s.pendingJoin = nil
		subs := snapshotSubs(s.errSubs)
		s.mu.Unlock()
		if wait != nil {
			wait <- remote
			return
		}
		for _, fn := range subs {
			fn(remote)
		}
	}
}

func snapshotSubs[T any](subs map[int]func(T)) []func(T) {
	out := make([]func(T), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}

func snap(v float64, cellSize int) int {
	if v < 0 {
		return int(v)
	}
	return int(v) / cellSize * cellSize
}
