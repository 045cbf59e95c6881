package controller

import (
	"database/sql"
	"sync"
	"time"

	"github.com/microjpeg/gateway/internal/backend"
	"github.com/microjpeg/gateway/internal/session"
	"github.com/microjpeg/gateway/internal/sse"
	"github.com/microjpeg/gateway/internal/store"
	"github.com/microjpeg/gateway/internal/tier"
	"github.com/microjpeg/gateway/internal/usage"
)

// Registry hands out the per-visitor Controller, creating it on first use.
// Controllers carry in-flight queue state and must be reused across
// requests from the same visitor.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]*Controller

	store      store.Store
	hub        *sse.Hub
	oplog      *sql.DB
	backendURL string

	// SettleDelay is passed through to new controllers; tests set it
	// negative to process uploads synchronously.
	SettleDelay time.Duration
}

// NewRegistry creates a registry backed by the given store and backend.
func NewRegistry(s store.Store, hub *sse.Hub, oplog *sql.DB, backendURL string) *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
		store:       s,
		hub:         hub,
		oplog:       oplog,
		backendURL:  backendURL,
	}
}

// Get returns the controller for the visitor on the given tier. A visitor
// switching tiers (e.g. starting a trial) gets a fresh controller; session
// and usage state persist through the shared store either way.
func (r *Registry) Get(visitorID string, t tier.Tier) *Controller {
	key := visitorID + ":" + t.Name

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[key]; ok {
		return c
	}
	c := New(Config{
		VisitorID: visitorID,
		Tier:      t,
		Usage:     usage.New(r.store, visitorID, t, nil),
		Session:   session.New(r.store, visitorID, nil, nil),
		Client: &backend.Client{
			BaseURL: r.backendURL,
			Timeout: t.ProcessingTimeout,
		},
		Hub:         r.hub,
		Oplog:       r.oplog,
		SettleDelay: r.SettleDelay,
	})
	r.controllers[key] = c
	return c
}

// Evict drops a visitor's controllers, e.g. after their state is purged.
func (r *Registry) Evict(visitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.controllers {
		if len(key) > len(visitorID) && key[:len(visitorID)] == visitorID && key[len(visitorID)] == ':' {
			delete(r.controllers, key)
		}
	}
}
