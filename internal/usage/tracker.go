// Package usage enforces the client-side quota windows: a calendar-day
// counter, a rolling 60-minute counter, and a mirror of the backend's
// authoritative monthly count. The backend remains the source of truth for
// monthly caps; this tracker is a defensive gate in front of it.
package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/microjpeg/gateway/internal/model"
	"github.com/microjpeg/gateway/internal/store"
	"github.com/microjpeg/gateway/internal/tier"
)

const hourlyWindow = time.Hour

// Decision is the outcome of a quota predicate. Reason is a human-readable
// message, set only when the operation is not allowed.
type Decision struct {
	Allowed bool
	Reason  string
}

// Tracker reads and writes one visitor's usage counters through an injected
// store. Resets are lazy: evaluated on every load, never by a timer.
type Tracker struct {
	mu    sync.Mutex
	store store.Store
	key   string
	tier  tier.Tier
	now   func() time.Time
}

// New creates a tracker for the given visitor and tier. If now is nil,
// time.Now is used.
func New(s store.Store, visitorID string, t tier.Tier, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		store: s,
		key:   "usage:" + visitorID,
		tier:  t,
		now:   now,
	}
}

// load reads the persisted counters and applies lazy resets. Corrupt or
// unreadable state yields a fresh zero counter set: usage never resets
// upward past a limit, only down to zero.
func (tr *Tracker) load() model.UsageCounters {
	var c model.UsageCounters

	raw, ok, err := tr.store.Get(tr.key)
	if err != nil {
		slog.Warn("usage: store read failed, starting fresh", "key", tr.key, "error", err)
	} else if ok {
		if err := json.Unmarshal(raw, &c); err != nil {
			slog.Warn("usage: corrupt counters, starting fresh", "key", tr.key, "error", err)
			c = model.UsageCounters{}
		}
	}

	now := tr.now()

	today := now.Format("2006-01-02")
	if c.DailyDate != today {
		c.DailyUsed = 0
		c.DailyDate = today
	}

	if c.HourlyStart != 0 && now.Sub(time.Unix(c.HourlyStart, 0)) >= hourlyWindow {
		c.HourlyUsed = 0
		c.HourlyStart = 0
	}

	return c
}

func (tr *Tracker) persist(c model.UsageCounters) {
	raw, err := json.Marshal(c)
	if err != nil {
		slog.Error("usage: marshal counters", "error", err)
		return
	}
	if err := tr.store.Set(tr.key, raw); err != nil {
		slog.Error("usage: persist counters", "key", tr.key, "error", err)
	}
}

// record increments every window by n. It deliberately does not re-check
// limits; only the Can* predicates gate.
func (tr *Tracker) record(n int) {
	if n < 1 {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()

	c := tr.load()
	c.DailyUsed += n
	c.MonthlyUsed += n
	if c.HourlyStart == 0 {
		c.HourlyStart = tr.now().Unix()
	}
	c.HourlyUsed += n
	tr.persist(c)
}

// RecordCompression counts n completed same-format compressions.
func (tr *Tracker) RecordCompression(n int) { tr.record(n) }

// RecordConversion counts n completed format conversions.
func (tr *Tracker) RecordConversion(n int) { tr.record(n) }

// SetMonthlyUsed replaces the monthly mirror with the authoritative backend
// value, discarding any local optimistic delta.
func (tr *Tracker) SetMonthlyUsed(n int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	c := tr.load()
	c.MonthlyUsed = n
	tr.persist(c)
}

// Counters returns a snapshot with lazy resets applied.
func (tr *Tracker) Counters() model.UsageCounters {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.load()
}

// Limits returns the tier this tracker enforces.
func (tr *Tracker) Limits() tier.Tier { return tr.tier }

func (tr *Tracker) canWindows(n int) Decision {
	c := tr.load()

	if c.DailyUsed+n > tr.tier.DailyLimit {
		return Decision{Reason: fmt.Sprintf(
			"Daily limit reached (%d operations per day). Try again tomorrow.",
			tr.tier.DailyLimit)}
	}
	if c.MonthlyUsed+n > tr.tier.MonthlyLimit {
		return Decision{Reason: fmt.Sprintf(
			"Monthly limit reached (%d operations per month). Upgrade for more.",
			tr.tier.MonthlyLimit)}
	}
	return Decision{Allowed: true}
}

// CanCompress reports whether n more compressions fit the daily and monthly
// windows.
func (tr *Tracker) CanCompress(n int) Decision {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.canWindows(n)
}

// CanConvert reports whether n more conversions fit the daily and monthly
// windows.
func (tr *Tracker) CanConvert(n int) Decision {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.canWindows(n)
}

// CanOperateHourly reports whether n more operations fit the rolling hourly
// window. A rejection names the limit and estimates when the window resets.
func (tr *Tracker) CanOperateHourly(n int) Decision {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	c := tr.load()
	if c.HourlyUsed+n <= tr.tier.HourlyLimit {
		return Decision{Allowed: true}
	}

	resetIn := hourlyWindow
	if c.HourlyStart != 0 {
		resetIn = time.Unix(c.HourlyStart, 0).Add(hourlyWindow).Sub(tr.now())
		if resetIn < 0 {
			resetIn = 0
		}
	}
	return Decision{Reason: fmt.Sprintf(
		"Hourly limit reached (%d operations per hour). Resets in about %s.",
		tr.tier.HourlyLimit, formatReset(resetIn))}
}

func formatReset(d time.Duration) string {
	mins := int(d.Round(time.Minute).Minutes())
	if mins <= 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", mins)
}
