// Package journal keeps a local SQLite record of received change events.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/markb/frontdesk/internal/log"
	"github.com/markb/frontdesk/internal/realtime"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    received_at INTEGER NOT NULL,
    schema_name TEXT NOT NULL DEFAULT 'public',
    tbl         TEXT NOT NULL,
    kind        TEXT NOT NULL,
    new_row     TEXT CHECK (new_row IS NULL OR json_valid(new_row)),
    old_row     TEXT CHECK (old_row IS NULL OR json_valid(old_row)),
    commit_ts   TEXT
);

CREATE INDEX IF NOT EXISTS idx_change_events_tbl ON change_events(tbl, id);
CREATE INDEX IF NOT EXISTS idx_change_events_received_at ON change_events(received_at);
`

// Entry is one journaled event.
type Entry struct {
	ID         int64
	ReceivedAt time.Time
	Event      realtime.ChangeEvent
}

// Journal appends change events to a SQLite file.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the journal at path. ":memory:" works for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One connection keeps per-connection pragmas and in-memory databases consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func encodeRow(row map[string]any) (any, error) {
	if row == nil {
		return nil, nil
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeRow(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid {
		return nil, nil
	}
	var row map[string]any
	if err := json.Unmarshal([]byte(raw.String), &row); err != nil {
		return nil, err
	}
	return row, nil
}

// Record appends ev.
func (j *Journal) Record(ctx context.Context, ev realtime.ChangeEvent) error {
	newRow, err := encodeRow(ev.New)
	if err != nil {
		return fmt.Errorf("encode new row: %w", err)
	}
	oldRow, err := encodeRow(ev.Old)
	if err != nil {
		return fmt.Errorf("encode old row: %w", err)
	}
	schemaName := ev.Schema
	if schemaName == "" {
		schemaName = "public"
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO change_events (received_at, schema_name, tbl, kind, new_row, old_row, commit_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.now().UnixMilli(), schemaName, ev.Table, string(ev.Kind), newRow, oldRow, ev.CommitTimestamp)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// Callback returns a subscription callback that journals every event.
// Failures are logged and do not reach the caller.
func (j *Journal) Callback() func(realtime.ChangeEvent) {
	return func(ev realtime.ChangeEvent) {
		if err := j.Record(context.Background(), ev); err != nil {
			log.Warn("journal: record failed", "table", ev.Table, "error", err.Error())
		}
	}
}

// Recent returns up to limit entries, newest first. An empty table matches all.
func (j *Journal) Recent(ctx context.Context, table string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, received_at, schema_name, tbl, kind, new_row, old_row, commit_ts
		FROM change_events`
	args := []any{}
	if table != "" {
		query += ` WHERE tbl = ?`
		args = append(args, table)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			receivedAt int64
			kind       string
			newRow     sql.NullString
			oldRow     sql.NullString
			commitTS   sql.NullString
		)
		if err := rows.Scan(&e.ID, &receivedAt, &e.Event.Schema, &e.Event.Table, &kind, &newRow, &oldRow, &commitTS); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		e.Event.Kind = realtime.EventKind(kind)
		e.Event.CommitTimestamp = commitTS.String
		if e.Event.New, err = decodeRow(newRow); err != nil {
			return nil, fmt.Errorf("decode new row %d: %w", e.ID, err)
		}
		if e.Event.Old, err = decodeRow(oldRow); err != nil {
			return nil, fmt.Errorf("decode old row %d: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of journaled events.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Prune deletes events received more than olderThan ago and returns how many went.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := j.now().Add(-olderThan).UnixMilli()
	res, err := j.db.ExecContext(ctx, `DELETE FROM change_events WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}
