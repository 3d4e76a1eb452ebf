package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pixel-war-backend/internal/game"
	"pixel-war-backend/internal/registry"
	"pixel-war-backend/internal/room"
)

// Room document shape served to the lobby UI. Team player lists are derived
// from Player.TeamID by filtering; nothing stores them twice.
type roomDoc struct {
	ID            string      `json:"id"`
	Teams         []teamDoc   `json:"teams"`
	Players       []playerDoc `json:"players"`
	IsGameStarted bool        `json:"isGameStarted"`
}

type teamDoc struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Color   uint32      `json:"color"`
	Players []playerDoc `json:"players"`
}

type playerDoc struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TeamID    string `json:"teamId,omitempty"`
	Character int    `json:"character"`
}

type successDoc struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type addPlayerRequest struct {
	Name      string `json:"name"`
	TeamID    string `json:"teamId,omitempty"`
	Character int    `json:"character,omitempty"`
}

func CreateRoom(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan *room.Room, 1)
		reg.Inbox() <- registry.CreateRoom{Reply: reply}
		rm := <-reply

		view, ok := stateOf(rm)
		if !ok {
			http.Error(w, "failed to create room", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, docFromView(view))
	}
}

func GetRoom(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rm := lookup(reg, chi.URLParam(r, "id"))
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		view, ok := stateOf(rm)
		if !ok {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, docFromView(view))
	}
}

// AddPlayer creates a roster entry not bound to a live connection, for
// clients that register before opening the event channel.
func AddPlayer(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req addPlayerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}

		rm := lookup(reg, chi.URLParam(r, "id"))
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		// Check the team before touching the roster, so a rejected request
		// never leaves a half-registered player behind.
		if req.TeamID != "" {
			if _, ok := game.TeamByID(game.TeamID(req.TeamID)); !ok {
				writeJSON(w, http.StatusBadRequest, successDoc{Success: false, Error: game.ErrUnknownTeam.Error()})
				return
			}
		}

		playerID := uuid.NewString()
		if err := apply(rm, game.Command{
			Type:      game.CmdJoin,
			PlayerID:  playerID,
			Name:      req.Name,
			Character: req.Character,
		}); err != nil {
			writeJSON(w, http.StatusOK, successDoc{Success: false, Error: err.Error()})
			return
		}

		if req.TeamID != "" {
			if err := apply(rm, game.Command{
				Type:     game.CmdSelectTeam,
				PlayerID: playerID,
				TeamID:   game.TeamID(req.TeamID),
			}); err != nil {
				_ = apply(rm, game.Command{Type: game.CmdLeave, PlayerID: playerID})
				writeJSON(w, http.StatusConflict, successDoc{Success: false, Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, successDoc{Success: true})
	}
}

func StartGame(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rm := lookup(reg, chi.URLParam(r, "id"))
		if rm == nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		if err := apply(rm, game.Command{Type: game.CmdStartGame}); err != nil {
			writeJSON(w, http.StatusOK, successDoc{Success: false, Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, successDoc{Success: true})
	}
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}{Status: "ok", Timestamp: time.Now().UnixMilli()})
}

func lookup(reg *registry.Registry, id string) *room.Room {
	reply := make(chan *room.Room, 1)
	reg.Inbox() <- registry.GetRoom{ID: id, Reply: reply}
	return <-reply
}

func stateOf(rm *room.Room) (room.View, bool) {
	reply := make(chan room.View, 1)
	if !rm.Send(room.GetState{Reply: reply}) {
		return room.View{}, false
	}
	select {
	case view := <-reply:
		return view, true
	case <-rm.Done():
		return room.View{}, false
	}
}

func apply(rm *room.Room, cmd game.Command) error {
	reply := make(chan error, 1)
	if !rm.Send(room.FromClient{Cmd: cmd, Reply: reply}) {
		return errors.New("room is shut down")
	}
	select {
	case err := <-reply:
		return err
	case <-rm.Done():
		return errors.New("room is shut down")
	}
}

func docFromView(view room.View) roomDoc {
	doc := roomDoc{
		ID:            view.ID,
		Players:       []playerDoc{},
		IsGameStarted: view.State.Phase == game.PhaseInProgress,
	}
	for _, p := range view.State.Players {
		doc.Players = append(doc.Players, playerDoc{
			ID:        p.ID,
			Name:      p.Name,
			TeamID:    string(p.TeamID),
			Character: p.Character,
		})
	}
	for _, t := range game.Teams {
		td := teamDoc{ID: string(t.ID), Name: t.Name, Color: t.Color, Players: []playerDoc{}}
		for _, p := range doc.Players {
			if p.TeamID == td.ID {
				td.Players = append(td.Players, p)
			}
		}
		doc.Teams = append(doc.Teams, td)
	}
	return doc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
