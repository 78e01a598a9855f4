// Package history is the PostgreSQL-backed queryable store of completed
// invocations. It is the durable endpoint the spool forwarder delivers to,
// and the source the admin API reads from when an operator asks "what ran
// recently".
//
// Ingestion is batched: callers hand individual invocation.Record values to
// Insert, which accumulates them in memory and flushes to the database
// either when the buffer reaches batchSize or when the background ticker
// fires, whichever comes first.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eyrie-systems/remctld/internal/invocation"
)

const (
	// DefaultBatchSize is the maximum number of records held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending records even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed invocation history store.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []invocation.Record
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("history: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]invocation.Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered records, and closes the connection pool. Safe to call more than
// once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// Insert enqueues rec for deferred batch insertion. If the internal buffer
// reaches batchSize after appending, Flush is called synchronously before
// returning so that the caller observes back-pressure rather than unbounded
// memory growth.
func (s *Store) Insert(ctx context.Context, rec invocation.Record) error {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current record buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round-trip. Rows that conflict on the primary key
// are silently ignored (idempotent replay support, since the spool
// forwarder may redeliver a batch after a crash between insert and ack).
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]invocation.Record, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO invocation_history
			(record_id, ts, user_name, peer_addr, command, subcommand, program, allowed, status, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (record_id) DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query,
			r.ID, r.Timestamp, r.User, r.PeerAddr,
			r.Command, r.Subcommand, r.Program,
			r.Allowed, r.Status, r.ErrorCode,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("history: batch exec: %w", err)
		}
	}
	return nil
}

// Query is a filter over invocation history: From/To bound the ts column
// (both required), User and Command are optional exact-match filters,
// Limit defaults to 100, Offset enables cursor-style pagination.
type Query struct {
	From, To time.Time
	User     string
	Command  string
	Limit    int
	Offset   int
}

// Find returns invocation records matching q, ordered by ts descending.
func (s *Store) Find(ctx context.Context, q Query) ([]invocation.Record, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE ts >= $1 AND ts < $2"
	argIdx := 5

	if q.User != "" {
		where += fmt.Sprintf(" AND user_name = $%d", argIdx)
		args = append(args, q.User)
		argIdx++
	}
	if q.Command != "" {
		where += fmt.Sprintf(" AND command = $%d", argIdx)
		args = append(args, q.Command)
		argIdx++ //nolint:ineffassign // reserved for future filters
	}

	sql := fmt.Sprintf(`
		SELECT record_id, ts, user_name, peer_addr, command, subcommand, program, allowed, status, error_code
		FROM   invocation_history
		%s
		ORDER  BY ts DESC, record_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var records []invocation.Record
	for rows.Next() {
		var r invocation.Record
		if err := rows.Scan(
			&r.ID, &r.Timestamp, &r.User, &r.PeerAddr,
			&r.Command, &r.Subcommand, &r.Program,
			&r.Allowed, &r.Status, &r.ErrorCode,
		); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
