package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/microjpeg/gateway/internal/db"
)

// Cleaner prunes session and usage state rows that have not been touched
// within StaleAge. Quota counters rebuild lazily on the next operation, so
// dropping a stale row never grants extra allowance.
type Cleaner struct {
	DB       *sql.DB
	Interval time.Duration
	StaleAge time.Duration
	// Evict, when set, is called with each visitor whose state was pruned
	// so their cached controllers are released too.
	Evict  func(visitorID string)
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Cleaner) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx)
	slog.Info("cleanup scheduler started", "interval", c.Interval, "stale_age", c.StaleAge)
}

func (c *Cleaner) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	slog.Info("cleanup scheduler stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer close(c.done)

	c.runOnce()

	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce()
		}
	}
}

func (c *Cleaner) runOnce() {
	cutoff := time.Now().Add(-c.StaleAge).UTC().Format(time.RFC3339)

	stale, err := db.ListStaleKV(c.DB, cutoff)
	if err != nil {
		slog.Error("cleanup: list stale state", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	n, err := db.PruneStaleKV(c.DB, cutoff)
	if err != nil {
		slog.Error("cleanup: prune stale state", "error", err)
		return
	}
	slog.Info("cleanup: pruned stale visitor state", "count", n)

	if c.Evict == nil {
		return
	}
	evicted := make(map[string]bool)
	for _, key := range stale {
		id := visitorFromKey(key)
		if id == "" || evicted[id] {
			continue
		}
		evicted[id] = true
		c.Evict(id)
	}
}

// visitorFromKey extracts the visitor ID from "session:<id>" and
// "usage:<id>" store keys.
func visitorFromKey(key string) string {
	for _, prefix := range []string{"session:", "usage:"} {
		if strings.HasPrefix(key, prefix) {
			return strings.TrimPrefix(key, prefix)
		}
	}
	return ""
}
