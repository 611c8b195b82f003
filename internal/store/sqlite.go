package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS unattended_bindings (
		session_id        TEXT PRIMARY KEY,
		sealed_key        TEXT NOT NULL,
		machine_name      TEXT NOT NULL DEFAULT '',
		organization_name TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		last_seen         TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind       TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events (session_id, id)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Unattended bindings ---

// PutBinding inserts b or replaces the sealed key and descriptive fields of
// an existing binding. CreatedAt is kept from the first insert.
func (s *SQLiteStore) PutBinding(ctx context.Context, b *UnattendedBinding) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unattended_bindings (session_id, sealed_key, machine_name, organization_name, created_at, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			sealed_key = excluded.sealed_key,
			machine_name = excluded.machine_name,
			organization_name = excluded.organization_name,
			last_seen = excluded.last_seen`,
		b.SessionID, b.SealedKey, b.MachineName, b.OrganizationName,
		formatTime(b.CreatedAt), formatTime(b.LastSeen))
	return err
}

// GetBinding returns the binding for sessionID, or nil when none exists.
func (s *SQLiteStore) GetBinding(ctx context.Context, sessionID string) (*UnattendedBinding, error) {
	var b UnattendedBinding
	var created, seen string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, sealed_key, machine_name, organization_name, created_at, last_seen
		 FROM unattended_bindings WHERE session_id = ?`, sessionID).
		Scan(&b.SessionID, &b.SealedKey, &b.MachineName, &b.OrganizationName, &created, &seen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	b.CreatedAt = parseTime(created)
	b.LastSeen = parseTime(seen)
	return &b, nil
}

func (s *SQLiteStore) TouchBinding(ctx context.Context, sessionID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE unattended_bindings SET last_seen = ? WHERE session_id = ?`, formatTime(t), sessionID)
	return err
}

func (s *SQLiteStore) ListBindings(ctx context.Context) ([]*UnattendedBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, sealed_key, machine_name, organization_name, created_at, last_seen
		 FROM unattended_bindings ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*UnattendedBinding
	for rows.Next() {
		var b UnattendedBinding
		var created, seen string
		if err := rows.Scan(&b.SessionID, &b.SealedKey, &b.MachineName, &b.OrganizationName, &created, &seen); err != nil {
			return nil, err
		}
		b.CreatedAt = parseTime(created)
		b.LastSeen = parseTime(seen)
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteBinding(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM unattended_bindings WHERE session_id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Audit trail ---

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *SessionEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, kind, detail, at) VALUES (?, ?, ?, ?)`,
		e.SessionID, string(e.Kind), e.Detail, formatTime(e.At))
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListEvents returns up to limit events for sessionID, newest first. An
// empty sessionID lists events across all sessions.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, limit int) ([]*SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, session_id, kind, detail, at FROM session_events`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*SessionEvent
	for rows.Next() {
		var e SessionEvent
		var kind, at string
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		e.At = parseTime(at)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
