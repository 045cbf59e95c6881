package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/microjpeg/gateway/internal/db"
	"github.com/microjpeg/gateway/internal/stats"
)

// AnalyticsSummary handles GET /api/analytics/summary?days=N (default 30):
// savings statistics over the durable operation log.
func (h *Handler) AnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 365 {
			jsonError(w, "days must be between 1 and 365", http.StatusBadRequest)
			return
		}
		days = n
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	ops, err := db.ListOperationsSince(h.DB, cutoff)
	if err != nil {
		slog.Error("analytics: list operations", "error", err)
		jsonError(w, "failed to load operations", http.StatusInternalServerError)
		return
	}

	jsonOK(w, map[string]any{
		"days":    days,
		"summary": stats.Summarize(ops),
	})
}
