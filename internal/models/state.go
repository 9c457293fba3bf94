// Package models defines the core data structures for ChannelMirror.
//
// This file defines per-channel sync state and export windows.
package models

import "time"

// ChannelState is the persisted sync cursor for one source channel.
//
// LastForwarded only advances after the forwarder durably confirms delivery
// of every message up to that timestamp; on crash before confirmation the
// prior value stands and the next cycle re-fetches (safe, deduped).
type ChannelState struct {
	ChannelID string `json:"channel_id"`
	// LastForwarded is the timestamp of the most recent confirmed message.
	// Monotonically non-decreasing.
	LastForwarded time.Time `json:"last_forwarded_timestamp"`
	// BoundaryIDs holds ids of messages forwarded within the most recent
	// overlap margin. Bounded: only the boundary, never full history.
	BoundaryIDs []string  `json:"forwarded_ids_near_boundary"`
	CycleCount  int       `json:"cycle_count"`
	LastRunAt   time.Time `json:"last_run_at"`
}

// HasCursor reports whether the channel has ever committed a cycle.
func (s ChannelState) HasCursor() bool {
	return !s.LastForwarded.IsZero()
}

// BoundarySet returns BoundaryIDs as a lookup set.
func (s ChannelState) BoundarySet() map[string]struct{} {
	set := make(map[string]struct{}, len(s.BoundaryIDs))
	for _, id := range s.BoundaryIDs {
		set[id] = struct{}{}
	}
	return set
}

// Window is a [Since, Until) time range exported in one cycle.
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Validate checks the window invariant.
func (w Window) Validate() error {
	if !w.Since.Before(w.Until) {
		return ErrInvalidWindow
	}
	return nil
}

// Duration returns the span of the window.
func (w Window) Duration() time.Duration {
	return w.Until.Sub(w.Since)
}
