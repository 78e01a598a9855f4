// Package spool provides a WAL-mode SQLite-backed durable spool of
// invocation records awaiting forwarding to a central history store. It
// implements at-least-once delivery semantics: records are persisted on
// Enqueue and are not removed until the caller calls Ack.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL. The connection pool
// is limited to a single connection, so a forwarder goroutine's Dequeue and
// Ack calls and the dispatcher's concurrent Enqueue calls take turns on it.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// crashes between Enqueue and Ack, the record is returned again by the next
// Dequeue call after restart, ensuring every invocation eventually reaches
// the history store even when it is temporarily unreachable.
package spool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eyrie-systems/remctld/internal/invocation"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Spool is a WAL-mode SQLite-backed durable queue of invocation records. It
// is safe for concurrent use.
type Spool struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// Open seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &Spool{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM invocation_spool WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS invocation_spool (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id   TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    user        TEXT    NOT NULL,
    peer_addr   TEXT    NOT NULL DEFAULT '',
    command     TEXT    NOT NULL,
    subcommand  TEXT    NOT NULL DEFAULT '',
    program     TEXT    NOT NULL DEFAULT '',
    allowed     INTEGER NOT NULL,
    status      INTEGER NOT NULL,
    error_code  TEXT    NOT NULL DEFAULT '',
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_invocation_spool_pending
    ON invocation_spool (delivered, id);
`

// Enqueue persists rec to the SQLite database. The record is stored with
// delivered = 0 and is included in subsequent Dequeue results until Ack is
// called for its row ID.
func (s *Spool) Enqueue(ctx context.Context, rec invocation.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocation_spool
		   (record_id, ts, user, peer_addr, command, subcommand, program, allowed, status, error_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.User,
		rec.PeerAddr,
		rec.Command,
		rec.Subcommand,
		rec.Program,
		boolToInt(rec.Allowed),
		rec.Status,
		rec.ErrorCode,
	)
	if err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}

	s.depth.Add(1)
	return nil
}

// PendingRecord is an unacknowledged invocation record returned by Dequeue.
// RowID is the spool's own primary key, used to acknowledge delivery via Ack.
type PendingRecord struct {
	RowID  int64
	Record invocation.Record
}

// Dequeue returns up to n unacknowledged records in insertion order (oldest
// first). It does not mark them as delivered; call Ack with the returned row
// IDs to do that. If n <= 0, Dequeue returns nil without querying.
func (s *Spool) Dequeue(ctx context.Context, n int) ([]PendingRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, record_id, ts, user, peer_addr, command, subcommand, program, allowed, status, error_code
		 FROM   invocation_spool
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		var (
			pr      PendingRecord
			tsStr   string
			allowed int
		)
		if err := rows.Scan(
			&pr.RowID,
			&pr.Record.ID,
			&tsStr,
			&pr.Record.User,
			&pr.Record.PeerAddr,
			&pr.Record.Command,
			&pr.Record.Subcommand,
			&pr.Record.Program,
			&allowed,
			&pr.Record.Status,
			&pr.Record.ErrorCode,
		); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}

		pr.Record.Allowed = allowed != 0
		pr.Record.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			pr.Record.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}

		out = append(out, pr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks the records identified by rowIDs as delivered. Acknowledged
// records are excluded from subsequent Dequeue results. Ack is idempotent.
func (s *Spool) Ack(ctx context.Context, rowIDs []int64) error {
	if len(rowIDs) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(rowIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, len(rowIDs))
	for i, id := range rowIDs {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE invocation_spool SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) records. It reads
// from an atomic counter maintained by Enqueue and Ack, so it never blocks.
func (s *Spool) Depth() int {
	return int(s.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined after Close returns.
func (s *Spool) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
