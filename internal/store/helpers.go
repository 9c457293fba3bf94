package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/BTreeMap/ChannelMirror/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// IsPostgresDSN reports whether a DSN selects the Postgres backend rather
// than an SQLite file path.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Open selects a backend from the DSN: Postgres URLs/keywords open a
// PostgresStore, anything else is treated as an SQLite file path.
func Open(dsn string) (StateRepo, error) {
	if IsPostgresDSN(dsn) {
		return NewPostgresStore(WithDSN(dsn))
	}
	return NewSQLiteStore(WithDSN(dsn))
}

// scanOversized scans OversizedAttachment rows shared by both SQL backends.
func scanOversized(rows *sql.Rows) ([]models.OversizedAttachment, error) {
	var out []models.OversizedAttachment
	for rows.Next() {
		var att models.OversizedAttachment
		if err := rows.Scan(&att.MessageID, &att.Filename, &att.URL, &att.SizeBytes); err != nil {
			return nil, fmt.Errorf("failed to scan oversized attachment row: %w", err)
		}
		out = append(out, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate oversized attachment rows: %w", err)
	}
	return out, nil
}
