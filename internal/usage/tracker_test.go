package usage

import (
	"strings"
	"testing"
	"time"

	"github.com/microjpeg/gateway/internal/store"
	"github.com/microjpeg/gateway/internal/tier"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestTracker(t *testing.T, tierName string) (*Tracker, *fakeClock, *store.MemStore) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	s := store.NewMemStore()
	return New(s, "visitor-1", tier.Get(tierName), clk.now), clk, s
}

func TestRecordingSumsSinceReset(t *testing.T) {
	tr, _, _ := newTestTracker(t, "anonymous")

	tr.RecordCompression(1)
	tr.RecordCompression(2)
	tr.RecordConversion(1)

	c := tr.Counters()
	if c.DailyUsed != 4 {
		t.Errorf("DailyUsed = %d, want 4", c.DailyUsed)
	}
	if c.HourlyUsed != 4 {
		t.Errorf("HourlyUsed = %d, want 4", c.HourlyUsed)
	}
	if c.MonthlyUsed != 4 {
		t.Errorf("MonthlyUsed = %d, want 4", c.MonthlyUsed)
	}
}

func TestRecordIgnoresNonPositive(t *testing.T) {
	tr, _, _ := newTestTracker(t, "anonymous")
	tr.RecordCompression(0)
	tr.RecordCompression(-3)
	if c := tr.Counters(); c.DailyUsed != 0 {
		t.Errorf("DailyUsed = %d, want 0", c.DailyUsed)
	}
}

func TestRecordingDoesNotRecheckLimit(t *testing.T) {
	// Recording past the limit must succeed; only the Can* predicates gate.
	tr, _, _ := newTestTracker(t, "anonymous") // daily limit 25
	tr.RecordCompression(30)
	if c := tr.Counters(); c.DailyUsed != 30 {
		t.Errorf("DailyUsed = %d, want 30", c.DailyUsed)
	}
	if d := tr.CanCompress(1); d.Allowed {
		t.Error("CanCompress(1) allowed past daily limit")
	}
}

func TestDailyResetOnDateChange(t *testing.T) {
	tr, clk, _ := newTestTracker(t, "anonymous")

	tr.RecordCompression(5)
	clk.advance(24 * time.Hour)

	c := tr.Counters()
	if c.DailyUsed != 0 {
		t.Errorf("DailyUsed after date rollover = %d, want 0", c.DailyUsed)
	}
	// Monthly survives the daily rollover.
	if c.MonthlyUsed != 5 {
		t.Errorf("MonthlyUsed = %d, want 5", c.MonthlyUsed)
	}
}

func TestHourlyRollingWindow(t *testing.T) {
	tr, clk, _ := newTestTracker(t, "anonymous") // hourly limit 5

	for i := 0; i < 5; i++ {
		if d := tr.CanOperateHourly(1); !d.Allowed {
			t.Fatalf("op %d unexpectedly rejected: %s", i, d.Reason)
		}
		tr.RecordCompression(1)
	}

	d := tr.CanOperateHourly(1)
	if d.Allowed {
		t.Fatal("6th operation within the hour should be rejected")
	}
	if !strings.Contains(d.Reason, "5") {
		t.Errorf("rejection should name the limit, got %q", d.Reason)
	}
	if !strings.Contains(d.Reason, "Resets in about") {
		t.Errorf("rejection should include a reset estimate, got %q", d.Reason)
	}

	// 59 minutes later the window still applies.
	clk.advance(59 * time.Minute)
	if d := tr.CanOperateHourly(1); d.Allowed {
		t.Error("window should still gate at 59 minutes")
	}

	// Past the hour mark the window resets.
	clk.advance(2 * time.Minute)
	if d := tr.CanOperateHourly(1); !d.Allowed {
		t.Errorf("window should reset after 60 minutes, got %q", d.Reason)
	}
	if c := tr.Counters(); c.HourlyUsed != 0 {
		t.Errorf("HourlyUsed after window = %d, want 0", c.HourlyUsed)
	}
}

func TestHourlyWindowKeyedToFirstOperation(t *testing.T) {
	tr, clk, _ := newTestTracker(t, "anonymous")

	tr.RecordCompression(1)
	clk.advance(30 * time.Minute)
	tr.RecordCompression(4) // limit reached, window began 30 min ago

	if d := tr.CanOperateHourly(1); d.Allowed {
		t.Fatal("expected hourly rejection")
	}

	// The window expires 60 min after the FIRST op, not the last one.
	clk.advance(31 * time.Minute)
	if d := tr.CanOperateHourly(1); !d.Allowed {
		t.Errorf("window should be keyed to first op, got %q", d.Reason)
	}
}

func TestCorruptStateResetsToZero(t *testing.T) {
	tr, _, s := newTestTracker(t, "anonymous")
	s.Set("usage:visitor-1", []byte("{not json"))

	c := tr.Counters()
	if c.DailyUsed != 0 || c.HourlyUsed != 0 || c.MonthlyUsed != 0 {
		t.Errorf("corrupt state should load as zero counters, got %+v", c)
	}
	// And operations are allowed again, up to the limit.
	if d := tr.CanCompress(1); !d.Allowed {
		t.Errorf("fresh counters should allow operations, got %q", d.Reason)
	}
}

func TestMonthlyMirrorReplacement(t *testing.T) {
	tr, _, _ := newTestTracker(t, "trial") // monthly limit 300

	tr.RecordCompression(10) // optimistic local count
	tr.SetMonthlyUsed(295)   // authoritative value arrives

	c := tr.Counters()
	if c.MonthlyUsed != 295 {
		t.Errorf("MonthlyUsed = %d, want authoritative 295", c.MonthlyUsed)
	}
	if d := tr.CanCompress(6); d.Allowed {
		t.Error("should reject past authoritative monthly limit")
	}
	if d := tr.CanCompress(5); !d.Allowed {
		t.Errorf("should allow up to monthly limit, got %q", d.Reason)
	}
}

func TestCountersPersistAcrossTrackers(t *testing.T) {
	clk := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	s := store.NewMemStore()

	tr1 := New(s, "v", tier.Get("free"), clk.now)
	tr1.RecordCompression(3)

	tr2 := New(s, "v", tier.Get("free"), clk.now)
	if c := tr2.Counters(); c.DailyUsed != 3 {
		t.Errorf("second tracker sees DailyUsed = %d, want 3", c.DailyUsed)
	}
}
