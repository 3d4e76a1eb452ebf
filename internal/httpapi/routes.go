package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pixel-war-backend/internal/registry"
	"pixel-war-backend/internal/ws"
)

func SetupRoutes(reg *registry.Registry, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Public routes
	r.Post("/api/room", CreateRoom(reg))
	r.Get("/api/room/{id}", GetRoom(reg))
	r.Post("/api/room/{id}/player", AddPlayer(reg))
	r.Post("/api/room/{id}/start", StartGame(reg))
	r.Get("/api/health", Health)
	r.Get("/ws", ws.Handler(reg, log.Named("ws")))
	return r
}
