// Package quota mirrors the backend's authoritative monthly usage counts.
// Local counters apply an optimistic delta as operations complete; whenever
// a fresh authoritative value arrives it replaces the mirror wholesale
// rather than accumulating alongside it.
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Fetcher retrieves the authoritative monthly count for a visitor.
type Fetcher func(ctx context.Context, visitorID string) (int, error)

// Applier replaces a visitor's local monthly mirror with the authoritative
// value.
type Applier func(visitorID string, monthlyUsed int)

type entry struct {
	value     int
	fetchedAt time.Time
}

// Monitor is a TTL cache of authoritative monthly counts, refreshed in the
// background for visitors seen recently. A fetch failure keeps the last
// snapshot in place.
type Monitor struct {
	mu      sync.Mutex
	entries map[string]entry

	fetch Fetcher
	apply Applier
	ttl   time.Duration
	stop  chan struct{}
	done  chan struct{}
}

// New creates a monitor. apply may be nil when callers only read through
// Get.
func New(fetch Fetcher, apply Applier, ttl time.Duration) *Monitor {
	return &Monitor{
		entries: make(map[string]entry),
		fetch:   fetch,
		apply:   apply,
		ttl:     ttl,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins background refreshing of tracked visitors.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		t := time.NewTicker(m.ttl)
		defer t.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-t.C:
				m.refreshAll()
			}
		}
	}()
}

// Stop halts background refreshing.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Get returns the authoritative monthly count for the visitor, fetching
// when the cached value is missing or stale. On fetch failure the stale
// value is returned with ok=false.
func (m *Monitor) Get(ctx context.Context, visitorID string) (int, bool) {
	m.mu.Lock()
	e, cached := m.entries[visitorID]
	m.mu.Unlock()

	if cached && time.Since(e.fetchedAt) < m.ttl {
		return e.value, true
	}

	value, err := m.fetch(ctx, visitorID)
	if err != nil {
		slog.Warn("quota: fetch authoritative usage failed, keeping last snapshot",
			"visitor", visitorID, "error", err)
		return e.value, false
	}

	m.store(visitorID, value)
	return value, true
}

func (m *Monitor) store(visitorID string, value int) {
	m.mu.Lock()
	m.entries[visitorID] = entry{value: value, fetchedAt: time.Now()}
	m.mu.Unlock()
	if m.apply != nil {
		m.apply(visitorID, value)
	}
}

func (m *Monitor) refreshAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, id := range ids {
		value, err := m.fetch(ctx, id)
		if err != nil {
			slog.Debug("quota: background refresh failed", "visitor", id, "error", err)
			continue
		}
		m.store(id, value)
	}
}
