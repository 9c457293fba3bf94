package window

import (
	"testing"
	"time"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestPlanOverlapWindow(t *testing.T) {
	// Already forwarded up to T0; overlap 60s, now = T0+300s.
	p := &Planner{Overlap: 60 * time.Second, Now: fixedNow(t0.Add(300 * time.Second))}
	w, ok := p.Plan(t0)
	if !ok {
		t.Fatal("expected a window")
	}
	if !w.Since.Equal(t0.Add(-60 * time.Second)) {
		t.Errorf("since: want %v, got %v", t0.Add(-60*time.Second), w.Since)
	}
	if !w.Until.Equal(t0.Add(300 * time.Second)) {
		t.Errorf("until: want %v, got %v", t0.Add(300*time.Second), w.Until)
	}
}

func TestPlanAlwaysValidWindow(t *testing.T) {
	p := &Planner{Overlap: time.Minute, Now: fixedNow(t0.Add(time.Hour))}
	w, ok := p.Plan(t0)
	if !ok {
		t.Fatal("expected a window")
	}
	if err := w.Validate(); err != nil {
		t.Errorf("planned window invalid: %v", err)
	}
}

func TestPlanNothingToDo(t *testing.T) {
	// Clock skew: cursor ahead of now, zero overlap.
	p := &Planner{Now: fixedNow(t0)}
	if _, ok := p.Plan(t0.Add(time.Minute)); ok {
		t.Error("expected nothing to do when cursor is ahead of now")
	}
	// No time elapsed since last commit.
	p2 := &Planner{Now: fixedNow(t0)}
	if _, ok := p2.Plan(t0); ok {
		t.Error("expected nothing to do when no time elapsed")
	}
}

func TestPlanOverlapReachesBehindCursorButNotNothingToDo(t *testing.T) {
	// Overlap makes since precede the cursor; window still valid.
	p := &Planner{Overlap: 10 * time.Minute, Now: fixedNow(t0.Add(time.Second))}
	w, ok := p.Plan(t0)
	if !ok {
		t.Fatal("expected a window")
	}
	if !w.Since.Before(t0) {
		t.Errorf("overlap should reach behind the cursor, since=%v", w.Since)
	}
}

func TestPlanClampsToChannelStart(t *testing.T) {
	start := t0.Add(-time.Hour)
	p := &Planner{
		Overlap:      48 * time.Hour,
		ChannelStart: start,
		Now:          fixedNow(t0),
	}
	w, ok := p.Plan(t0.Add(-30 * time.Minute))
	if !ok {
		t.Fatal("expected a window")
	}
	if !w.Since.Equal(start) {
		t.Errorf("since should clamp to channel start %v, got %v", start, w.Since)
	}
}

func TestPlanBoundedWindowSize(t *testing.T) {
	p := &Planner{
		Overlap:    time.Minute,
		WindowSize: 33 * time.Minute,
		Now:        fixedNow(t0.Add(6 * time.Hour)),
	}
	w, ok := p.Plan(t0)
	if !ok {
		t.Fatal("expected a window")
	}
	if w.Duration() != 33*time.Minute {
		t.Errorf("window should be bounded to 33m, got %v", w.Duration())
	}
	// A bounded window near now clamps until to now instead.
	p.Now = fixedNow(t0.Add(5 * time.Minute))
	w, ok = p.Plan(t0)
	if !ok {
		t.Fatal("expected a window")
	}
	if !w.Until.Equal(t0.Add(5 * time.Minute)) {
		t.Errorf("until should clamp to now, got %v", w.Until)
	}
}

func TestPlanFirstRunUnboundedStart(t *testing.T) {
	// No cursor and no channel start: exporter pulls full history up to now.
	p := &Planner{Overlap: time.Minute, Now: fixedNow(t0)}
	w, ok := p.Plan(time.Time{})
	if !ok {
		t.Fatal("expected a window")
	}
	if !w.Since.IsZero() {
		t.Errorf("first-run since should be the zero sentinel, got %v", w.Since)
	}
	if !w.Until.Equal(t0) {
		t.Errorf("until should be now, got %v", w.Until)
	}
}

func TestPlanNegativeOverlapTreatedAsZero(t *testing.T) {
	p := &Planner{Overlap: -time.Minute, Now: fixedNow(t0.Add(time.Minute))}
	w, ok := p.Plan(t0)
	if !ok {
		t.Fatal("expected a window")
	}
	if w.Since.Before(t0) {
		t.Errorf("negative overlap must not reach behind the cursor, since=%v", w.Since)
	}
	var _ models.Window = w
}
