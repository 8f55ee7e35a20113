package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"levelx/internal/domain"
	"levelx/internal/util"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ EventStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	at         INTEGER NOT NULL,
	account_id INTEGER NOT NULL DEFAULT 0,
	contract   TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL DEFAULT '',
	fields     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS events_kind_at ON events (kind, at);
CREATE INDEX IF NOT EXISTS events_at ON events (at);
`

// SQLiteStore is the audit journal: an append-only record of signals, risk
// decisions, order transitions, fills and integrity reports, backed by a
// SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// journal schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent
	// Record calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record appends an event. Events without an id get a fresh ULID; events
// without a timestamp are stamped with the current time. Re-recording an
// existing id is a no-op.
func (s *SQLiteStore) Record(ctx context.Context, ev domain.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = util.NewID(ev.At)
	}
	fields := []byte("{}")
	if len(ev.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(ev.Fields); err != nil {
			return fmt.Errorf("encoding fields for %s: %w", ev.Kind, err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (id, kind, at, account_id, contract, message, fields)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Kind), ev.At.UnixMilli(), ev.AccountID, ev.Contract, ev.Message, string(fields))
	if err != nil {
		return fmt.Errorf("recording %s event: %w", ev.Kind, err)
	}
	return nil
}

// ListEvents returns journal events matching q, newest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, q EventQuery) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.AccountID != 0 {
		where = append(where, "account_id = ?")
		args = append(args, q.AccountID)
	}
	if q.Contract != "" {
		where = append(where, "contract = ?")
		args = append(args, q.Contract)
	}
	if !q.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, q.Since.UnixMilli())
	}

	query := `SELECT id, kind, at, account_id, contract, message, fields FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev     domain.Event
			kind   string
			at     int64
			fields string
		)
		if err := rows.Scan(&ev.ID, &kind, &at, &ev.AccountID, &ev.Contract, &ev.Message, &fields); err != nil {
			return nil, err
		}
		ev.Kind = domain.EventKind(kind)
		ev.At = time.UnixMilli(at).UTC()
		if fields != "" && fields != "{}" {
			if err := json.Unmarshal([]byte(fields), &ev.Fields); err != nil {
				return nil, fmt.Errorf("decoding fields of %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
