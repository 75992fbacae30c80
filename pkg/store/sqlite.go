// Package store keeps the node's event log in SQLite. Every accepted event is
// recorded once per recipient so that ack, defer, discard and replay can find
// it again by idem.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/odvcencio/ensync/pkg/protocol"
)

// ErrNotFound is returned when no event has the requested idem.
var ErrNotFound = errors.New("event not found")

// Status is the delivery state of one recorded event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAcked     Status = "acked"
	StatusDeferred  Status = "deferred"
	StatusDiscarded Status = "discarded"
)

// Record is a stored event with its delivery state.
type Record struct {
	Event     *protocol.EventMessage
	Recipient string
	Persist   bool
	Status    Status
	Reason    string
	DeliverAt time.Time
	UpdatedAt time.Time
}

// SQLiteStore is the SQLite-backed event log.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the event log at dsn. ":memory:" keeps it in memory.
func Open(dsn string) (*SQLiteStore, error) {
	if filePath, onDisk := sqliteFilePathFromDSN(dsn); onDisk {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single in-memory database only exists on one connection.
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(strings.TrimSpace(u.Scheme), "file") {
			return "", false
		}
		path := strings.TrimSpace(u.Path)
		if path == "" {
			path = strings.TrimSpace(u.Opaque)
		}
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	if strings.Contains(dsn, "://") {
		return "", false
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat db path: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create db file: %w", err)
	}
	return f.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		block INTEGER PRIMARY KEY AUTOINCREMENT,
		idem TEXT NOT NULL UNIQUE,
		event_name TEXT NOT NULL,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL,
		payload TEXT NOT NULL,
		headers TEXT NOT NULL,
		metadata TEXT NOT NULL,
		persist INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		reason TEXT NOT NULL DEFAULT '',
		deliver_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_recipient ON events(event_name, recipient, status);
	CREATE INDEX IF NOT EXISTS idx_events_deferred ON events(status, deliver_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append records ev for recipient and sets ev.Block to its position in the log.
func (s *SQLiteStore) Append(ctx context.Context, ev *protocol.EventMessage, recipient string, persist bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	headers, err := json.Marshal(ev.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	stamp := ev.Timestamp.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (idem, event_name, recipient, sender, payload, headers, metadata, persist, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventIdem, ev.EventName, recipient, ev.Sender, ev.Payload, string(headers), string(metadata), persist, stamp, stamp)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	block, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read block: %w", err)
	}
	ev.Block = block
	return nil
}

const selectRecord = `
	SELECT block, idem, event_name, recipient, sender, payload, headers, metadata,
		persist, status, reason, deliver_at, created_at, updated_at
	FROM events`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                 Record
		ev                  protocol.EventMessage
		headers, metadata   string
		status              string
		deliverAt           sql.NullTime
		createdAt, updateAt time.Time
	)
	err := row.Scan(&ev.Block, &ev.EventIdem, &ev.EventName, &rec.Recipient, &ev.Sender, &ev.Payload,
		&headers, &metadata, &rec.Persist, &status, &rec.Reason, &deliverAt, &createdAt, &updateAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(headers), &ev.Headers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	ev.DeliveryTo = []string{rec.Recipient}
	ev.Timestamp = createdAt
	rec.Event = &ev
	rec.Status = Status(status)
	rec.UpdatedAt = updateAt
	if deliverAt.Valid {
		rec.DeliverAt = deliverAt.Time
	}
	return &rec, nil
}

// Get returns the record for idem.
func (s *SQLiteStore) Get(ctx context.Context, idem string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE idem = ?`, idem))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", idem, err)
	}
	return rec, nil
}

// SetStatus moves an event to status, recording reason.
func (s *SQLiteStore) SetStatus(ctx context.Context, idem string, status Status, reason string) error {
	return s.update(ctx, idem, `UPDATE events SET status = ?, reason = ?, deliver_at = NULL, updated_at = ? WHERE idem = ?`,
		string(status), reason, time.Now().UTC(), idem)
}

// Defer marks an event for redelivery at deliverAt.
func (s *SQLiteStore) Defer(ctx context.Context, idem string, deliverAt time.Time, reason string) error {
	return s.update(ctx, idem, `UPDATE events SET status = ?, reason = ?, deliver_at = ?, updated_at = ? WHERE idem = ?`,
		string(StatusDeferred), reason, deliverAt.UTC(), time.Now().UTC(), idem)
}

func (s *SQLiteStore) update(ctx context.Context, idem, query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", idem, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update event %s: %w", idem, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Pending lists persisted, unsettled events for one recipient, oldest first.
func (s *SQLiteStore) Pending(ctx context.Context, eventName, recipient string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx, selectRecord+`
		WHERE event_name = ? AND recipient = ? AND persist = 1 AND status = ?
		ORDER BY block ASC LIMIT ?`, eventName, recipient, string(StatusPending), limit)
}

// DueDeferred lists deferred events whose delivery time has passed.
func (s *SQLiteStore) DueDeferred(ctx context.Context, now time.Time) ([]*Record, error) {
	return s.query(ctx, selectRecord+`
		WHERE status = ? AND deliver_at <= ?
		ORDER BY deliver_at ASC`, string(StatusDeferred), now.UTC())
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

// Prune deletes settled events, and events that were never meant to be
// persisted, older than cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE updated_at < ? AND (persist = 0 OR status IN (?, ?))
	`, cutoff.UTC(), string(StatusAcked), string(StatusDiscarded))
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// DB exposes the underlying database handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}
