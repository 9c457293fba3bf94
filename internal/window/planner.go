// Package window computes per-cycle export windows with bounded overlap.
//
// Successive windows intentionally overlap by a configured margin so
// messages whose timestamps lag their actual visibility are never lost at a
// boundary; the dedup filter absorbs the guaranteed re-fetch.
package window

import (
	"log/slog"
	"time"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// Planner produces export windows for one channel.
type Planner struct {
	// Overlap is the margin by which a new window reaches back before the
	// last forwarded timestamp. Must be >= 0.
	Overlap time.Duration
	// WindowSize bounds the span of one window; 0 means unbounded (export
	// up to now in a single window).
	WindowSize time.Duration
	// ChannelStart clamps the earliest exportable time. Zero means the
	// channel's full history is reachable on first run.
	ChannelStart time.Time
	// Now is the clock, injectable for tests. Nil means time.Now.
	Now func() time.Time
}

// Plan computes the next window from the last forwarded timestamp. It
// returns ok=false when no new time range exists (clock skew, or no time
// elapsed since the last commit), in which case the cycle is skipped
// without invoking the exporter.
func (p *Planner) Plan(lastForwarded time.Time) (models.Window, bool) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}

	overlap := p.Overlap
	if overlap < 0 {
		overlap = 0
	}

	since := p.ChannelStart
	if !lastForwarded.IsZero() {
		back := lastForwarded.Add(-overlap)
		if back.After(since) {
			since = back
		}
	}

	until := now
	if p.WindowSize > 0 && !since.IsZero() {
		if bounded := since.Add(p.WindowSize); bounded.Before(until) {
			until = bounded
		}
	}

	w := models.Window{Since: since, Until: until}
	if !w.Since.Before(w.Until) {
		slog.Debug("Planner.Plan: nothing to do", "since", w.Since, "until", w.Until)
		return models.Window{}, false
	}
	return w, true
}
