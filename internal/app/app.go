package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	gateway "github.com/microjpeg/gateway"
	"github.com/microjpeg/gateway/internal/backend"
	"github.com/microjpeg/gateway/internal/cleanup"
	"github.com/microjpeg/gateway/internal/config"
	"github.com/microjpeg/gateway/internal/controller"
	"github.com/microjpeg/gateway/internal/db"
	"github.com/microjpeg/gateway/internal/handler"
	"github.com/microjpeg/gateway/internal/quota"
	"github.com/microjpeg/gateway/internal/sse"
	"github.com/microjpeg/gateway/internal/store"
	"github.com/microjpeg/gateway/internal/tier"
	"github.com/microjpeg/gateway/internal/usage"
)

func Run(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.Migrate(database, gateway.MigrationFS); err != nil {
		return err
	}
	slog.Info("database ready")

	// Visitor state storage: sqlite survives restarts, memory scopes a
	// visitor's session to the process lifetime.
	var kv store.Store
	if cfg.Persist == "memory" {
		kv = store.NewMemStore()
	} else {
		kv = &store.SQLiteStore{DB: database}
	}
	slog.Info("visitor state store", "mode", cfg.Persist)

	sseHub := sse.New()

	registry := controller.NewRegistry(kv, sseHub, database, cfg.BackendURL)

	cleaner := &cleanup.Cleaner{
		DB:       database,
		Interval: cfg.CleanupInterval,
		StaleAge: cfg.StaleStateAge,
		Evict:    registry.Evict,
	}
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// The backend owns the monthly count; the monitor periodically pulls it
	// and overwrites each visitor's local mirror.
	usageClient := &backend.Client{BaseURL: cfg.BackendURL}
	monitor := quota.New(
		usageClient.MonthlyUsage,
		func(visitorID string, monthlyUsed int) {
			usage.New(kv, visitorID, tier.Get(""), nil).SetMonthlyUsed(monthlyUsed)
		},
		cfg.QuotaTTL,
	)
	monitor.Start()
	defer monitor.Stop()

	// Uploads are the expensive endpoint: 1 request/sec sustained, burst 10
	uploadRL := handler.NewRateLimiter(1.0, 10)
	defer uploadRL.Stop()

	h := handler.New(database, cfg, kv, sseHub, registry)
	h.Quota = monitor
	router := h.Routes(uploadRL)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server")
		srv.Shutdown(context.Background())
	}()

	slog.Info("server starting", "addr", cfg.ListenAddr, "backend", cfg.BackendURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
