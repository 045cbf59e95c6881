package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/microjpeg/gateway/internal/auth"
	"github.com/microjpeg/gateway/internal/controller"
	"github.com/microjpeg/gateway/internal/model"
)

// Upload handles POST /api/{plan}/upload: a multipart batch of images under
// the "files" field. Accepted files stage and the default format kicks off
// automatically; rejections come back per file.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	visitorID := auth.VisitorFromContext(r.Context())
	t := h.requestTier(r, chi.URLParam(r, "plan"))

	if err := r.ParseMultipartForm(h.Cfg.MaxBatchBytes); err != nil {
		jsonError(w, "failed to parse multipart form", http.StatusBadRequest)
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		jsonError(w, "missing 'files' field in form", http.StatusBadRequest)
		return
	}

	var files []controller.StagedFile
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			jsonError(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			jsonError(w, "failed to read upload", http.StatusBadRequest)
			return
		}
		files = append(files, controller.StagedFile{
			Meta: model.FileUpload{Name: header.Filename, Size: header.Size},
			Data: data,
		})
	}

	c := h.Registry.Get(visitorID, t)
	report, err := c.Upload(r.Context(), files)
	if err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	jsonOK(w, report)
}

// ToggleFormat handles POST /api/{plan}/formats/{format} with a JSON body
// {"enabled": bool}. Enabling queues the format behind in-flight work;
// disabling removes it from the pending queue.
func (h *Handler) ToggleFormat(w http.ResponseWriter, r *http.Request) {
	visitorID := auth.VisitorFromContext(r.Context())
	t := h.requestTier(r, chi.URLParam(r, "plan"))
	format := chi.URLParam(r, "format")

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	c := h.Registry.Get(visitorID, t)
	if err := c.ToggleFormat(r.Context(), format, req.Enabled); err != nil {
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	jsonOK(w, map[string]any{"format": format, "enabled": req.Enabled})
}

// CreateZip handles POST /api/{plan}/zip: bundles every session result into
// one download on the backend.
func (h *Handler) CreateZip(w http.ResponseWriter, r *http.Request) {
	visitorID := auth.VisitorFromContext(r.Context())
	t := h.requestTier(r, chi.URLParam(r, "plan"))

	c := h.Registry.Get(visitorID, t)
	url, count, err := c.CreateZip(r.Context())
	if err != nil {
		slog.Error("create zip", "visitor", visitorID, "error", err)
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	jsonOK(w, map[string]any{"batchDownloadUrl": url, "fileCount": count})
}

// ClearResults handles POST /api/{plan}/clear.
func (h *Handler) ClearResults(w http.ResponseWriter, r *http.Request) {
	visitorID := auth.VisitorFromContext(r.Context())
	t := h.requestTier(r, chi.URLParam(r, "plan"))

	c := h.Registry.Get(visitorID, t)
	if err := c.ClearResults(); err != nil {
		jsonError(w, "failed to clear results", http.StatusInternalServerError)
		return
	}
	jsonOK(w, map[string]string{"status": "cleared"})
}

// State handles GET /api/{plan}/state: the session's accumulated results,
// the usage counters against the plan's limits, the format queue, and
// whether to surface the pricing prompt on this render.
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	visitorID := auth.VisitorFromContext(r.Context())
	t := h.requestTier(r, chi.URLParam(r, "plan"))

	if h.Quota != nil {
		h.Quota.Get(r.Context(), visitorID)
	}

	c := h.Registry.Get(visitorID, t)
	s := c.Session().Get()
	counters := c.Usage().Counters()

	jsonOK(w, map[string]any{
		"session":  s,
		"usage":    counters,
		"queue":    c.Queue(),
		"plan": map[string]any{
			"name":         t.Name,
			"maxFileSize":  t.MaxFileSize,
			"maxBatch":     t.MaxBatchFiles,
			"hourlyLimit":  t.HourlyLimit,
			"dailyLimit":   t.DailyLimit,
			"monthlyLimit": t.MonthlyLimit,
		},
		"showPricing": c.Session().ShouldShowPricing(),
	})
}
