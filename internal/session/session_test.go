package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pixel-war-backend/internal/game"
	"pixel-war-backend/internal/httpapi"
	"pixel-war-backend/internal/protocol"
	"pixel-war-backend/internal/registry"
	"pixel-war-backend/internal/room"
)

func newServer(t *testing.T) (string, *registry.Registry) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	reg := registry.New(ctx, game.Settings{GridWidth: 4, GridHeight: 4, CellSize: 32}, time.Minute, zap.NewNop())
	srv := httptest.NewServer(httpapi.SetupRoutes(reg, zap.NewNop()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", reg
}

func createRoom(t *testing.T, reg *registry.Registry) string {
	t.Helper()
	reply := make(chan *room.Room, 1)
	reg.Inbox() <- registry.CreateRoom{Reply: reply}
	rm := <-reply
	require.NotNil(t, rm)
	return rm.ID()
}

func dial(t *testing.T, url string) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Dial(ctx, url, Options{CellSize: 32})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		panic("unreachable")
	}
}

func TestJoinPopulatesCache(t *testing.T) {
	wsURL, reg := newServer(t)
	roomID := createRoom(t, reg)

	s := dial(t, wsURL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Join(ctx, roomID, "Alice", 1))

	require.NotEmpty(t, s.SelfID())
	players := s.Players()
	require.Len(t, players, 1)
	assert.Equal(t, "Alice", players[0].Name)
	assert.Equal(t, s.SelfID(), players[0].ID)
}

func TestJoinUnknownRoomFails(t *testing.T) {
	wsURL, _ := newServer(t)
	s := dial(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Join(ctx, "nope", "Alice", 0)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, protocol.CodeNotFound, remote.Code)
}

// A refused join must not leave the session believing it is in the room.
func TestFailedJoinLeavesSessionUnjoined(t *testing.T) {
	wsURL, _ := newServer(t)
	s := dial(t, wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var remote *RemoteError
	require.ErrorAs(t, s.Join(ctx, "nope", "Alice", 0), &remote)

	require.ErrorIs(t, s.SelectTeam(ctx, "1"), ErrNotJoined)
	require.ErrorIs(t, s.Claim(ctx, 0, 0, 0xff0000), ErrNotJoined)
}

func TestRosterNotificationsAcrossSessions(t *testing.T) {
	wsURL, reg := newServer(t)
	roomID := createRoom(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s1 := dial(t, wsURL)
	require.NoError(t, s1.Join(ctx, roomID, "Alice", 0))

	rosters := make(chan []protocol.PlayerInfo, 8)
	dispose := s1.OnRoster(func(ps []protocol.PlayerInfo) { rosters <- ps })
	defer dispose()

	s2 := dial(t, wsURL)
	require.NoError(t, s2.Join(ctx, roomID, "Bob", 0))

	var roster []protocol.PlayerInfo
	for roster = recv(t, rosters); len(roster) < 2; roster = recv(t, rosters) {
	}
	names := []string{roster[0].Name, roster[1].Name}
	assert.ElementsMatch(t, []string{"Alice", "Bob"}, names)

	// Departures propagate the same way.
	require.NoError(t, s2.Leave(ctx))
	for roster = recv(t, rosters); len(roster) != 1; roster = recv(t, rosters) {
	}
	assert.Equal(t, "Alice", roster[0].Name)
}

func TestGameFlowEndToEnd(t *testing.T) {
	wsURL, reg := newServer(t)
	roomID := createRoom(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s1 := dial(t, wsURL)
	s2 := dial(t, wsURL)
	require.NoError(t, s1.Join(ctx, roomID, "Alice", 0))
	require.NoError(t, s2.Join(ctx, roomID, "Bob", 1))

	started := make(chan Lifecycle, 2)
	defer s2.OnLifecycle(func(l Lifecycle) { started <- l })()

	tiles := make(chan protocol.TileUpdatedPayload, 2)
	defer s2.OnTile(func(tile protocol.TileUpdatedPayload) { tiles <- tile })()

	require.NoError(t, s1.SelectTeam(ctx, "1"))
	require.NoError(t, s2.SelectTeam(ctx, "2"))
	require.NoError(t, s1.Start(ctx))

	state := recv(t, started)
	assert.True(t, state.Started)

	// Claim at an unsnapped pixel position; the façade snaps to the 32px
	// grid before sending.
	require.NoError(t, s1.Claim(ctx, 70, 40, 0xff0000))
	tile := recv(t, tiles)
	assert.Equal(t, 64, tile.X)
	assert.Equal(t, 32, tile.Y)
	assert.Equal(t, uint32(0xff0000), tile.Color)

	cached, ok := s2.TileAt(70, 40)
	require.True(t, ok)
	assert.Equal(t, tile, cached)

	// Movement reaches the other session, not the mover's own handler.
	moves := make(chan protocol.PlayerMovedPayload, 2)
	defer s2.OnPlayerMoved(func(m protocol.PlayerMovedPayload) { moves <- m })()
	require.NoError(t, s1.Move(ctx, 100, 200))
	move := recv(t, moves)
	assert.Equal(t, s1.SelfID(), move.PlayerID)
	assert.Equal(t, protocol.Position{X: 100, Y: 200}, move.Position)
}

func TestClaimBeforeStartSurfacesError(t *testing.T) {
	wsURL, reg := newServer(t)
	roomID := createRoom(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := dial(t, wsURL)
	require.NoError(t, s.Join(ctx, roomID, "Alice", 0))

	errs := make(chan *RemoteError, 1)
	defer s.OnError(func(e *RemoteError) { errs <- e })()

	require.NoError(t, s.Claim(ctx, 0, 0, 0xff0000))
	remote := recv(t, errs)
	assert.Equal(t, protocol.CodeInvalidState, remote.Code)
}

func TestRoomsListing(t *testing.T) {
	wsURL, reg := newServer(t)
	roomID := createRoom(t, reg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := dial(t, wsURL)
	rooms, err := s.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, roomID, rooms[0].ID)
}

// Duplicate or stale roster broadcasts must not re-notify subscribers.
func TestStaleRosterBroadcastIsSuppressed(t *testing.T) {
	s := &Session{
		tiles:      make(map[[2]int]protocol.TileUpdatedPayload),
		rosterSubs: make(map[int]func([]protocol.PlayerInfo)),
		tileSubs:   make(map[int]func(protocol.TileUpdatedPayload)),
		lifeSubs:   make(map[int]func(Lifecycle)),
		moveSubs:   make(map[int]func(protocol.PlayerMovedPayload)),
		errSubs:    make(map[int]func(*RemoteError)),
		readDone:   make(chan struct{}),
	}

	var calls int
	s.OnRoster(func([]protocol.PlayerInfo) { calls++ })

	update := func(version int) {
		env, err := protocol.NewEnvelope(protocol.EventPlayersUpdate, protocol.PlayersUpdatePayload{
			Players: []protocol.PlayerInfo{{ID: "p1", Name: "Alice"}},
			Version: version,
		})
		require.NoError(t, err)
		s.handle(env)
	}

	update(1)
	update(1) // duplicate
	update(1) // duplicate
	assert.Equal(t, 1, calls)

	update(2)
	assert.Equal(t, 2, calls)
}

func TestDisposerStopsNotifications(t *testing.T) {
	s := &Session{
		tiles:      make(map[[2]int]protocol.TileUpdatedPayload),
		rosterSubs: make(map[int]func([]protocol.PlayerInfo)),
		tileSubs:   make(map[int]func(protocol.TileUpdatedPayload)),
		lifeSubs:   make(map[int]func(Lifecycle)),
		moveSubs:   make(map[int]func(protocol.PlayerMovedPayload)),
		errSubs:    make(map[int]func(*RemoteError)),
		readDone:   make(chan struct{}),
	}

	var calls int
	dispose := s.OnTile(func(protocol.TileUpdatedPayload) { calls++ })

	env, err := protocol.NewEnvelope(protocol.EventTileUpdated, protocol.TileUpdatedPayload{X: 0, Y: 0})
	require.NoError(t, err)
	s.handle(env)
	require.Equal(t, 1, calls)

	dispose()
	s.handle(env)
	assert.Equal(t, 1, calls, "disposed subscriber must not fire")
}
