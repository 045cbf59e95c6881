package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
)

func (h *Handler) Routes(uploadRL *RateLimiter) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	csrfProtect := csrf.Protect(
		[]byte(h.Cfg.SessionSecret),
		csrf.Secure(strings.HasPrefix(h.Cfg.BaseURL, "https")),
		csrf.Path("/"),
		csrf.SameSite(csrf.SameSiteLaxMode),
	)
	r.Use(func(next http.Handler) http.Handler {
		protected := csrfProtect(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.Header.Get("Authorization"), "Bearer mj_") {
				next.ServeHTTP(w, r)
				return
			}
			protected.ServeHTTP(w, r)
		})
	})

	r.Use(h.EnsureVisitor)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		jsonOK(w, map[string]string{"status": "ok"})
	})

	// Per-plan compression API. The plan segment selects the page variant's
	// limits: anonymous, free, trial, premium, enterprise.
	r.Route("/api/{plan}", func(r chi.Router) {
		r.With(uploadRL.Middleware).Post("/upload", h.Upload)
		r.Post("/formats/{format}", h.ToggleFormat)
		r.Post("/zip", h.CreateZip)
		r.Post("/clear", h.ClearResults)
		r.Get("/state", h.State)
		r.Get("/events", h.Events)
	})

	r.Get("/api/analytics/summary", h.AnalyticsSummary)

	r.Route("/api/keys", func(r chi.Router) {
		r.Post("/", h.APIKeyCreate)
		r.Get("/", h.APIKeyList)
		r.Delete("/{id}", h.APIKeyDelete)
	})

	return r
}
