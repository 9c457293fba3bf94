// Package store provides storage backends for ChannelMirror.
//
// It persists per-channel sync cursors, boundary dedup ids, and the audit
// trail of oversized attachments. SQLite is the default backend; Postgres is
// available behind the same interface for shared deployments.
package store

import (
	"sort"
	"sync"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// StateRepo defines the persistence interface for channel sync state.
type StateRepo interface {
	// LoadChannelState reads the persisted state for a channel. The second
	// return value is false when the channel has never been committed.
	LoadChannelState(channelID string) (models.ChannelState, bool, error)

	// SaveChannelState persists the cursor, boundary ids, and bookkeeping
	// atomically: a crash mid-save leaves the previous state intact.
	SaveChannelState(state models.ChannelState) error

	// RecordOversized appends an oversized-attachment record. These are
	// surfaced per message and never silently dropped.
	RecordOversized(channelID string, att models.OversizedAttachment) error

	// ListOversized returns the recorded oversized attachments for a channel.
	ListOversized(channelID string) ([]models.OversizedAttachment, error)

	// RecordMessageLink persists the destination id minted for a forwarded
	// source message so later replies can reference their mirrored target.
	// Re-forwarding a message overwrites its link.
	RecordMessageLink(channelID, srcID, destID string) error

	// LookupMessageLink resolves a source message id to its mirrored
	// destination id. The second return value is false when unknown.
	LookupMessageLink(channelID, srcID string) (string, bool, error)

	// Close releases the underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the database DSN (file path for SQLite, URL for Postgres).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// InMemoryStore is a simple in-memory StateRepo used in tests and dry runs.
type InMemoryStore struct {
	mu        sync.Mutex
	states    map[string]models.ChannelState
	oversized map[string][]models.OversizedAttachment
	links     map[string]map[string]string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:    make(map[string]models.ChannelState),
		oversized: make(map[string][]models.OversizedAttachment),
		links:     make(map[string]map[string]string),
	}
}

func (s *InMemoryStore) LoadChannelState(channelID string) (models.ChannelState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[channelID]
	if !ok {
		return models.ChannelState{ChannelID: channelID}, false, nil
	}
	// Copy the boundary slice so callers cannot mutate stored state.
	cp := st
	cp.BoundaryIDs = append([]string(nil), st.BoundaryIDs...)
	return cp, true, nil
}

func (s *InMemoryStore) SaveChannelState(state models.ChannelState) error {
	if state.ChannelID == "" {
		return models.ErrEmptyChannelID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := state
	cp.BoundaryIDs = append([]string(nil), state.BoundaryIDs...)
	s.states[state.ChannelID] = cp
	return nil
}

func (s *InMemoryStore) RecordOversized(channelID string, att models.OversizedAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oversized[channelID] = append(s.oversized[channelID], att)
	return nil
}

func (s *InMemoryStore) ListOversized(channelID string) ([]models.OversizedAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.OversizedAttachment(nil), s.oversized[channelID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

func (s *InMemoryStore) RecordMessageLink(channelID, srcID, destID string) error {
	if channelID == "" {
		return models.ErrEmptyChannelID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.links[channelID] == nil {
		s.links[channelID] = make(map[string]string)
	}
	s.links[channelID][srcID] = destID
	return nil
}

func (s *InMemoryStore) LookupMessageLink(channelID, srcID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	destID, ok := s.links[channelID][srcID]
	return destID, ok, nil
}

func (s *InMemoryStore) Close() error { return nil }
