package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/microjpeg/gateway/internal/auth"
	"github.com/microjpeg/gateway/internal/db"
	"github.com/microjpeg/gateway/internal/model"
)

// APIKeyCreate handles POST /api/keys. The plaintext key appears in this
// response and nowhere else; only its bcrypt hash is stored.
func (h *Handler) APIKeyCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerEmail string `json:"ownerEmail"`
		Name       string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	req.OwnerEmail = strings.TrimSpace(strings.ToLower(req.OwnerEmail))
	if req.OwnerEmail == "" || !strings.Contains(req.OwnerEmail, "@") {
		jsonError(w, "valid ownerEmail required", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}

	key, prefix, hash, err := auth.GenerateAPIKey()
	if err != nil {
		slog.Error("generate api key", "error", err)
		jsonError(w, "failed to generate key", http.StatusInternalServerError)
		return
	}

	k := &model.APIKey{
		ID:         uuid.New().String(),
		OwnerEmail: req.OwnerEmail,
		Name:       req.Name,
		KeyPrefix:  prefix,
		KeyHash:    hash,
	}
	if err := db.CreateAPIKey(h.DB, k); err != nil {
		slog.Error("create api key", "error", err)
		jsonError(w, "failed to create key", http.StatusInternalServerError)
		return
	}

	jsonOK(w, map[string]any{
		"id":        k.ID,
		"name":      k.Name,
		"key":       key,
		"keyPrefix": prefix,
	})
}

// APIKeyList handles GET /api/keys?ownerEmail=...
func (h *Handler) APIKeyList(w http.ResponseWriter, r *http.Request) {
	ownerEmail := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("ownerEmail")))
	if ownerEmail == "" {
		jsonError(w, "ownerEmail query parameter required", http.StatusBadRequest)
		return
	}
	keys, err := db.ListAPIKeys(h.DB, ownerEmail)
	if err != nil {
		slog.Error("list api keys", "error", err)
		jsonError(w, "failed to list keys", http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []model.APIKey{}
	}
	jsonOK(w, keys)
}

// APIKeyDelete handles DELETE /api/keys/{id}?ownerEmail=...
func (h *Handler) APIKeyDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ownerEmail := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("ownerEmail")))
	if ownerEmail == "" {
		jsonError(w, "ownerEmail query parameter required", http.StatusBadRequest)
		return
	}
	if err := db.DeleteAPIKey(h.DB, id, ownerEmail); err != nil {
		slog.Error("delete api key", "id", id, "error", err)
		jsonError(w, "failed to delete key", http.StatusInternalServerError)
		return
	}
	jsonOK(w, map[string]string{"status": "deleted"})
}
