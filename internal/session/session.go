// Package session holds the per-visitor accumulated compression results and
// the activity-driven upsell state. All writes go through a read-modify-write
// cycle against the injected store, so completions arriving in any order
// never overwrite each other's appended results.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/microjpeg/gateway/internal/model"
	"github.com/microjpeg/gateway/internal/store"
)

const (
	activityProbabilityStep = 0.15
	activityProbabilityCap  = 0.6
)

// Manager manages one visitor's SessionData.
type Manager struct {
	mu    sync.Mutex
	store store.Store
	key   string
	now   func() time.Time
	rand  func() float64
}

// New creates a manager for the given visitor. now and random default to
// time.Now and rand.Float64 when nil; tests inject deterministic versions.
func New(s store.Store, visitorID string, now func() time.Time, random func() float64) *Manager {
	if now == nil {
		now = time.Now
	}
	if random == nil {
		random = rand.Float64
	}
	return &Manager{
		store: s,
		key:   "session:" + visitorID,
		now:   now,
		rand:  random,
	}
}

// load reads the freshest persisted session, constructing an empty one if
// none exists or the stored blob is unreadable.
func (m *Manager) load() model.SessionData {
	raw, ok, err := m.store.Get(m.key)
	if err != nil || !ok {
		if err != nil {
			slog.Warn("session: store read failed, starting fresh", "key", m.key, "error", err)
		}
		return model.SessionData{CreatedAt: m.now()}
	}
	var s model.SessionData
	if err := json.Unmarshal(raw, &s); err != nil {
		slog.Warn("session: corrupt state, starting fresh", "key", m.key, "error", err)
		return model.SessionData{CreatedAt: m.now()}
	}
	return s
}

func (m *Manager) persist(s model.SessionData) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := m.store.Set(m.key, raw); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Get returns the current session state.
func (m *Manager) Get() model.SessionData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load()
}

// Update re-reads the freshest session, applies mutate, persists, and
// returns the merged result. mutate must not replace Results wholesale;
// use AppendResults for that.
func (m *Manager) Update(mutate func(*model.SessionData)) (model.SessionData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.load()
	mutate(&s)
	if err := m.persist(s); err != nil {
		return model.SessionData{}, err
	}
	return s, nil
}

// AppendResults merges newly completed results into the session. The merge
// runs against a fresh read; results duplicating an existing (originalName,
// originalSize, outputFormat) triple are skipped, and a result for an
// existing (name, format) pair at a new size replaces the old entry, keeping
// one result per pair. Returns the results that were actually added.
func (m *Manager) AppendResults(results []model.CompressionResult) ([]model.CompressionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.load()
	var added []model.CompressionResult
	for _, r := range results {
		idx := -1
		for i, existing := range s.Results {
			if existing.OriginalName == r.OriginalName && existing.OutputFormat == r.OutputFormat {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0 && s.Results[idx].OriginalSize == r.OriginalSize:
			slog.Debug("session: skipping duplicate result",
				"file", r.OriginalName, "format", r.OutputFormat)
			continue
		case idx >= 0:
			// Same name re-uploaded at a different size: the fresh result
			// supersedes the stale one.
			if s.Results[idx].WasConverted {
				s.Conversions--
			} else {
				s.Compressions--
			}
			s.Results[idx] = r
		default:
			s.Results = append(s.Results, r)
		}
		if r.WasConverted {
			s.Conversions++
		} else {
			s.Compressions++
		}
		added = append(added, r)
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := m.persist(s); err != nil {
		return nil, err
	}
	return added, nil
}

// TrackActivity counts one distinct user upload action and recomputes the
// pricing-prompt probability, which grows with activity up to a ceiling.
func (m *Manager) TrackActivity() (model.SessionData, error) {
	return m.Update(func(s *model.SessionData) {
		s.ActivityScore++
		p := float64(s.ActivityScore) * activityProbabilityStep
		if p > activityProbabilityCap {
			p = activityProbabilityCap
		}
		s.ShowPricingProbability = p
	})
}

// SetBatchDownloadURL records the URL of a successful bulk-download request.
func (m *Manager) SetBatchDownloadURL(url string) error {
	_, err := m.Update(func(s *model.SessionData) {
		s.BatchDownloadURL = url
	})
	return err
}

// ShouldShowPricing rolls against the current probability. The random
// source is injected, so tests can force either outcome.
func (m *Manager) ShouldShowPricing() bool {
	s := m.Get()
	if s.ShowPricingProbability <= 0 {
		return false
	}
	return m.rand() < s.ShowPricingProbability
}

// Clear removes all persisted session state. A subsequent Get returns a
// fresh empty session.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(m.key)
}
