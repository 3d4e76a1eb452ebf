package game

import (
	"errors"
)

var ErrNotStarted = errors.New("game not started")
var ErrAlreadyEnded = errors.New("game already ended")
var ErrNotEnoughPlayers = errors.New("not enough players to start")
var ErrUnknownTeam = errors.New("unknown team")
var ErrUnknownPlayer = errors.New("player not in room")
var ErrNoTeam = errors.New("player has not picked a team")
var ErrOutOfBounds = errors.New("tile out of bounds")
var ErrUnsupportedCommand = errors.New("unsupported command")

// MinPlayersToStart gates the Lobby -> InProgress transition.
const MinPlayersToStart = 2

type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhaseInProgress Phase = "in_progress"
	PhaseEnded      Phase = "ended"
)

type TeamID string

const (
	TeamNone TeamID = ""
	TeamRed  TeamID = "1"
	TeamBlue TeamID = "2"
)

type Team struct {
	ID    TeamID
	Name  string
	Color uint32
}

// Teams is the fixed per-room team set. Membership lives on Player.TeamID
// only; per-team views are derived by filtering.
var Teams = []Team{
	{ID: TeamRed, Name: "Team 1", Color: 0xff0000},
	{ID: TeamBlue, Name: "Team 2", Color: 0x0000ff},
}

func TeamByID(id TeamID) (Team, bool) {
	for _, t := range Teams {
		if t.ID == id {
			return t, true
		}
	}
	return Team{}, false
}

type Position struct {
	X float64
	Y float64
}

type Player struct {
	ID        string
	Name      string
	TeamID    TeamID
	Character int
	Position  Position
}

type Settings struct {
	GridWidth  int // cells
	GridHeight int // cells
	CellSize   int // pixels per cell
}

func DefaultSettings() Settings {
	return Settings{GridWidth: 25, GridHeight: 18, CellSize: 32}
}

// State is the full authoritative room state. Pure data: the room actor owns
// the only live copy and serializes every mutation through Apply.
type State struct {
	Phase    Phase
	Players  []Player // join order
	Grid     Grid     // zero until the first start
	Settings Settings
}

func NewState(settings Settings) State {
	return State{Phase: PhaseLobby, Settings: settings}
}

func (s State) FindPlayer(id string) (Player, bool) {
	for _, p := range s.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}

func (s State) playerIndex(id string) int {
	for i, p := range s.Players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

type CommandType string

const (
	CmdJoin       CommandType = "Join"
	CmdLeave      CommandType = "Leave"
	CmdSelectTeam CommandType = "SelectTeam"
	CmdStartGame  CommandType = "StartGame"
	CmdEndGame    CommandType = "EndGame"
	CmdMove       CommandType = "Move"
	CmdClaimTile  CommandType = "ClaimTile"
)

type Command struct {
	Type      CommandType
	PlayerID  string
	Name      string
	Character int
	TeamID    TeamID
	Position  Position
	// Claim coordinates, absolute pixels snapped to the cell size by the
	// sender.
	X int
	Y int
}

type EventType string

const (
	EvtPlayerJoined  EventType = "PlayerJoined"
	EvtRosterChanged EventType = "RosterChanged"
	EvtGameStarted   EventType = "GameStarted"
	EvtGameEnded     EventType = "GameEnded"
	EvtPlayerMoved   EventType = "PlayerMoved"
	EvtTileClaimed   EventType = "TileClaimed"
)

type Event struct {
	Type      EventType
	Player    Player
	TeamID    TeamID
	X         int // cell coordinates
	Y         int
	Standings map[TeamID]int
}

// Apply validates cmd against s and returns the events it produced plus the
// next state. On error the returned state is s unchanged and no events are
// produced. Errors describe why the requester's command was refused; they are
// never broadcast.
func Apply(s State, cmd Command) ([]Event, State, error) {
	switch cmd.Type {
	case CmdJoin:
		return applyJoin(s, cmd)
	case CmdLeave:
		return applyLeave(s, cmd)
	case CmdSelectTeam:
		return applySelectTeam(s, cmd)
	case CmdStartGame:
		return applyStart(s)
	case CmdEndGame:
		return applyEnd(s)
	case CmdMove:
		return applyMove(s, cmd)
	case CmdClaimTile:
		return applyClaim(s, cmd)
	default:
		return nil, s, ErrUnsupportedCommand
	}
}

// applyJoin is idempotent per player id: re-joining updates the display name
// and character but never duplicates the roster entry.
func applyJoin(s State, cmd Command) ([]Event, State, error) {
	newState := s
	if i := s.playerIndex(cmd.PlayerID); i >= 0 {
		newState.Players = append([]Player(nil), s.Players...)
		newState.Players[i].Name = cmd.Name
		newState.Players[i].Character = cmd.Character
		return []Event{{Type: EvtRosterChanged}}, newState, nil
	}

	p := Player{ID: cmd.PlayerID, Name: cmd.Name, Character: cmd.Character}
	newState.Players = append(append([]Player(nil), s.Players...), p)
	events := []Event{
		{Type: EvtPlayerJoined, Player: p},
		{Type: EvtRosterChanged},
	}
	return events, newState, nil
}

// applyLeave never errors: it must be safe to call unconditionally from
// disconnect handlers, including twice for the same player.
func applyLeave(s State, cmd Command) ([]Event, State, error) {
	i := s.playerIndex(cmd.PlayerID)
	if i < 0 {
		return nil, s, nil
	}
	newState := s
	newState.Players = append(append([]Player(nil), s.Players[:i]...), s.Players[i+1:]...)
	return []Event{{Type: EvtRosterChanged}}, newState, nil
}

// Team switching is allowed both in the lobby and mid-game, only a finished
// room refuses it.
func applySelectTeam(s State, cmd Command) ([]Event, State, error) {
	if s.Phase == PhaseEnded {
		return nil, s, ErrAlreadyEnded
	}
	if _, ok := TeamByID(cmd.TeamID); !ok {
		return nil, s, ErrUnknownTeam
	}
	i := s.playerIndex(cmd.PlayerID)
	if i < 0 {
		return nil, s, ErrUnknownPlayer
	}
	newState := s
	newState.Players = append([]Player(nil), s.Players...)
	newState.Players[i].TeamID = cmd.TeamID
	return []Event{{Type: EvtRosterChanged}}, newState, nil
}

func applyStart(s State) ([]Event, State, error) {
	switch s.Phase {
	case PhaseInProgress:
		// First accepted start wins; later calls are no-ops, not errors.
		return nil, s, nil
	case PhaseEnded:
		return nil, s, ErrAlreadyEnded
	}
	if len(s.Players) < MinPlayersToStart {
		return nil, s, ErrNotEnoughPlayers
	}
	newState := s
	newState.Phase = PhaseInProgress
	// The only point at which the grid is (re)created.
	newState.Grid = NewGrid(s.Settings.GridWidth, s.Settings.GridHeight)
	return []Event{{Type: EvtGameStarted}}, newState, nil
}

func applyEnd(s State) ([]Event, State, error) {
	if s.Phase == PhaseEnded {
		return nil, s, nil
	}
	newState := s
	newState.Phase = PhaseEnded
	return []Event{{Type: EvtGameEnded, Standings: s.Grid.TeamCounts()}}, newState, nil
}

func applyMove(s State, cmd Command) ([]Event, State, error) {
	if s.Phase != PhaseInProgress {
		if s.Phase == PhaseEnded {
			return nil, s, ErrAlreadyEnded
		}
		return nil, s, ErrNotStarted
	}
	i := s.playerIndex(cmd.PlayerID)
	if i < 0 {
		return nil, s, ErrUnknownPlayer
	}
	newState := s
	newState.Players = append([]Player(nil), s.Players...)
	newState.Players[i].Position = cmd.Position
	return []Event{{Type: EvtPlayerMoved, Player: newState.Players[i]}}, newState, nil
}

func applyClaim(s State, cmd Command) ([]Event, State, error) {
	if s.Phase != PhaseInProgress {
		if s.Phase == PhaseEnded {
			return nil, s, ErrAlreadyEnded
		}
		return nil, s, ErrNotStarted
	}
	p, ok := s.FindPlayer(cmd.PlayerID)
	if !ok {
		return nil, s, ErrUnknownPlayer
	}
	if p.TeamID == TeamNone {
		return nil, s, ErrNoTeam
	}

	cell := s.Settings.CellSize
	if cell <= 0 || cmd.X < 0 || cmd.Y < 0 {
		return nil, s, ErrOutOfBounds
	}
	cx, cy := cmd.X/cell, cmd.Y/cell
	if !s.Grid.InBounds(cx, cy) {
		return nil, s, ErrOutOfBounds
	}

	// Same-team reclaim is an accepted no-op: no broadcast, no counter bump.
	if s.Grid.Owner(cx, cy) == p.TeamID {
		return nil, s, nil
	}

	newState := s
	newState.Grid = s.Grid.Claim(cx, cy, p.TeamID)
	event := Event{Type: EvtTileClaimed, Player: p, TeamID: p.TeamID, X: cx, Y: cy}
	return []Event{event}, newState, nil
}
