package handler

import (
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/microjpeg/gateway/internal/config"
	"github.com/microjpeg/gateway/internal/controller"
	"github.com/microjpeg/gateway/internal/quota"
	"github.com/microjpeg/gateway/internal/sse"
	"github.com/microjpeg/gateway/internal/store"
)

type Handler struct {
	DB       *sql.DB
	Cfg      *config.Config
	Store    store.Store
	SSE      *sse.Hub
	Registry *controller.Registry

	// Quota, when set, reconciles the local monthly mirror with the
	// backend's authoritative count on state reads.
	Quota *quota.Monitor
}

func New(database *sql.DB, cfg *config.Config, s store.Store, sseHub *sse.Hub, registry *controller.Registry) *Handler {
	return &Handler{
		DB:       database,
		Cfg:      cfg,
		Store:    s,
		SSE:      sseHub,
		Registry: registry,
	}
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
