// Package store provides storage backends for ChannelMirror.
//
// This file implements the Postgres-backed state store for deployments that
// share a database server across mirrors.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChannelMirror/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements StateRepo.
var _ StateRepo = (*PostgresStore)(nil)

// PostgresStore is the Postgres state store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadChannelState(channelID string) (models.ChannelState, bool, error) {
	st := models.ChannelState{ChannelID: channelID}
	err := s.db.QueryRow(
		`SELECT last_forwarded, cycle_count, last_run_at FROM channel_state WHERE channel_id = $1`,
		channelID,
	).Scan(&st.LastForwarded, &st.CycleCount, &st.LastRunAt)
	if err == sql.ErrNoRows {
		return st, false, nil
	}
	if err != nil {
		slog.Error("PostgresStore.LoadChannelState: query failed", "error", err, "channelID", channelID)
		return st, false, fmt.Errorf("failed to load channel state for %s: %w", channelID, err)
	}

	rows, err := s.db.Query(`SELECT message_id FROM boundary_ids WHERE channel_id = $1`, channelID)
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
	return st, true, nil
}

// SaveChannelState commits the cursor and boundary set in one transaction.
func (s *PostgresStore) SaveChannelState(state models.ChannelState) error {
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
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel_id) DO UPDATE SET
		   last_forwarded = EXCLUDED.last_forwarded,
		   cycle_count = EXCLUDED.cycle_count,
		   last_run_at = EXCLUDED.last_run_at`,
		state.ChannelID, state.LastForwarded, state.CycleCount, state.LastRunAt,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveChannelState: upsert failed", "error", err, "channelID", state.ChannelID)
		return fmt.Errorf("failed to save channel state for %s: %w", state.ChannelID, err)
	}

	if _, err := tx.Exec(`DELETE FROM boundary_ids WHERE channel_id = $1`, state.ChannelID); err != nil {
		return fmt.Errorf("failed to clear boundary ids for %s: %w", state.ChannelID, err)
	}
	for _, id := range state.BoundaryIDs {
		if _, err := tx.Exec(
			`INSERT INTO boundary_ids (channel_id, message_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			state.ChannelID, id,
		); err != nil {
			return fmt.Errorf("failed to insert boundary id %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit channel state for %s: %w", state.ChannelID, err)
	}
	return nil
}

func (s *PostgresStore) RecordOversized(channelID string, att models.OversizedAttachment) error {
	_, err := s.db.Exec(
		`INSERT INTO oversized_attachments (channel_id, message_id, filename, url, size_bytes, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		channelID, att.MessageID, att.Filename, nilIfEmpty(att.URL), att.SizeBytes, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore.RecordOversized failed", "error", err, "channelID", channelID, "messageID", att.MessageID)
		return fmt.Errorf("failed to record oversized attachment for %s: %w", att.MessageID, err)
	}
	return nil
}

func (s *PostgresStore) ListOversized(channelID string) ([]models.OversizedAttachment, error) {
	rows, err := s.db.Query(
		`SELECT message_id, filename, COALESCE(url, ''), size_bytes
		 FROM oversized_attachments WHERE channel_id = $1 ORDER BY id`,
		channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query oversized attachments: %w", err)
	}
	defer rows.Close()
	return scanOversized(rows)
}

func (s *PostgresStore) RecordMessageLink(channelID, srcID, destID string) error {
	if channelID == "" {
		return models.ErrEmptyChannelID
	}
	_, err := s.db.Exec(
		`INSERT INTO message_links (channel_id, src_id, dest_id) VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id, src_id) DO UPDATE SET dest_id = excluded.dest_id`,
		channelID, srcID, destID,
	)
	if err != nil {
		slog.Error("PostgresStore.RecordMessageLink failed", "error", err, "channelID", channelID, "srcID", srcID)
		return fmt.Errorf("failed to record message link for %s: %w", srcID, err)
	}
	return nil
}

func (s *PostgresStore) LookupMessageLink(channelID, srcID string) (string, bool, error) {
	var destID string
	err := s.db.QueryRow(
		`SELECT dest_id FROM message_links WHERE channel_id = $1 AND src_id = $2`,
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
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
