// Package store provides storage backends for ChannelMirror.
//
// This file implements the SQLite-backed state store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChannelMirror/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements StateRepo.
var _ StateRepo = (*SQLiteStore)(nil)

// SQLiteStore is the file-backed default state store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN is a file path to the SQLite database file; the directory is
// created if it does not exist.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadChannelState(channelID string) (models.ChannelState, bool, error) {
	st := models.ChannelState{ChannelID: channelID}
	err := s.db.QueryRow(
		`SELECT last_forwarded, cycle_count, last_run_at FROM channel_state WHERE channel_id = ?`,
		channelID,
	).Scan(&st.LastForwarded, &st.CycleCount, &st.LastRunAt)
	if err == sql.ErrNoRows {
		return st, false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore.LoadChannelState: query failed", "error", err, "channelID", channelID)
		return st, false, fmt.Errorf("failed to load channel state for %s: %w", channelID, err)
	}

	rows, err := s.db.Query(`SELECT message_id FROM boundary_ids WHERE channel_id = ?`, channelID)
	if err != nil {
		return st, false, fmt.Errorf("failed to load boundary ids for %s: %w", channelID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return st, false, fmt.Errorf("failed to scan boundary id: %w", err)
		}
		st.BoundaryIDs = append(st.BoundaryIDs, id)
	}
	if err := rows.Err(); err != nil {
		return st, false, fmt.Errorf("failed to iterate boundary ids: %w", err)
	}
	slog.Debug("SQLiteStore.LoadChannelState succeeded", "channelID", channelID, "boundaryIDs", len(st.BoundaryIDs))
	return st, true, nil
}

// SaveChannelState commits the cursor and boundary set in one transaction so
// a crash mid-save leaves the previous state intact.
func (s *SQLiteStore) SaveChannelState(state models.ChannelState) error {
	if state.ChannelID == "" {
		return models.ErrEmptyChannelID
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin state save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO channel_state (channel_id, last_forwarded, cycle_count, last_run_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   last_forwarded = excluded.last_forwarded,
		   cycle_count = excluded.cycle_count,
		   last_run_at = excluded.last_run_at`,
		state.ChannelID, state.LastForwarded, state.CycleCount, state.LastRunAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveChannelState: upsert failed", "error", err, "channelID", state.ChannelID)
		return fmt.Errorf("failed to save channel state for %s: %w", state.ChannelID, err)
	}

	if _, err := tx.Exec(`DELETE FROM boundary_ids WHERE channel_id = ?`, state.ChannelID); err != nil {
		return fmt.Errorf("failed to clear boundary ids for %s: %w", state.ChannelID, err)
	}
	for _, id := range state.BoundaryIDs {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO boundary_ids (channel_id, message_id) VALUES (?, ?)`,
			state.ChannelID, id,
		); err != nil {
			return fmt.Errorf("failed to insert boundary id %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit channel state for %s: %w", state.ChannelID, err)
	}
	slog.Debug("SQLiteStore.SaveChannelState succeeded", "channelID", state.ChannelID,
		"lastForwarded", state.LastForwarded, "boundaryIDs", len(state.BoundaryIDs))
	return nil
}

func (s *SQLiteStore) RecordOversized(channelID string, att models.OversizedAttachment) error {
	_, err := s.db.Exec(
		`INSERT INTO oversized_attachments (channel_id, message_id, filename, url, size_bytes, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		channelID, att.MessageID, att.Filename, nilIfEmpty(att.URL), att.SizeBytes, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.RecordOversized failed", "error", err, "channelID", channelID, "messageID", att.MessageID)
		return fmt.Errorf("failed to record oversized attachment for %s: %w", att.MessageID, err)
	}
	return nil
}

func (s *SQLiteStore) ListOversized(channelID string) ([]models.OversizedAttachment, error) {
	rows, err := s.db.Query(
		`SELECT message_id, filename, COALESCE(url, ''), size_bytes
		 FROM oversized_attachments WHERE channel_id = ? ORDER BY id`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query oversized attachments: %w", err)
	}
	defer rows.Close()
	return scanOversized(rows)
}

func (s *SQLiteStore) RecordMessageLink(channelID, srcID, destID string) error {
	if channelID == "" {
		return models.ErrEmptyChannelID
	}
	_, err := s.db.Exec(
		`INSERT INTO message_links (channel_id, src_id, dest_id) VALUES (?, ?, ?)
		 ON CONFLICT(channel_id, src_id) DO UPDATE SET dest_id = excluded.dest_id`,
		channelID, srcID, destID,
	)
	if err != nil {
		slog.Error("SQLiteStore.RecordMessageLink failed", "error", err, "channelID", channelID, "srcID", srcID)
		return fmt.Errorf("failed to record message link for %s: %w", srcID, err)
	}
	return nil
}

func (s *SQLiteStore) LookupMessageLink(channelID, srcID string) (string, bool, error) {
	var destID string
	err := s.db.QueryRow(
		`SELECT dest_id FROM message_links WHERE channel_id = ? AND src_id = ?`,
		channelID, srcID,
	).Scan(&destID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to look up message link for %s: %w", srcID, err)
	}
	return destID, true, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
