package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SQLStore implements Store on database/sql. It supports both Postgres and
// SQLite via standard drivers; only the checkpoint column DDL differs.
type SQLStore struct {
	db       *sql.DB
	driver   string
	pollTick time.Duration
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	checkpoint INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	correlation_id TEXT,
	occurred_at TIMESTAMP NOT NULL,
	UNIQUE (stream_id, sequence)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	checkpoint BIGSERIAL PRIMARY KEY,
	stream_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	correlation_id TEXT,
	occurred_at TIMESTAMP NOT NULL,
	UNIQUE (stream_id, sequence)
);
`

// NewSQLStore creates a journal on an open database handle. driver is
// "sqlite" or "postgres".
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, pollTick: 200 * time.Millisecond}
}

// Init creates the events table if absent.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == "postgres" {
		schema = postgresSchema
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append implements Store. The version check and inserts run in one
// transaction; the (stream_id, sequence) unique constraint backs the
// optimistic check against concurrent writers.
func (s *SQLStore) Append(ctx context.Context, streamID string, expectedVersion uint64, events []Event) (uint64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current uint64
	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM events WHERE stream_id = $1`, streamID)
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("read stream head: %w", err)
	}
	if current != expectedVersion {
		return 0, ErrConcurrency
	}

	now := time.Now().UTC()
	for i, e := range events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (stream_id, sequence, event_type, payload, correlation_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			streamID, current+uint64(i)+1, e.Type, string(e.Payload), e.CorrelationID, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, ErrConcurrency
			}
			return 0, fmt.Errorf("insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return current + uint64(len(events)), nil
}

// Read implements Store.
func (s *SQLStore) Read(ctx context.Context, streamID string, from uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, sequence, event_type, payload, correlation_id, occurred_at
		FROM events WHERE stream_id = $1 AND sequence > $2 ORDER BY sequence`,
		streamID, from,
	)
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Event, 0)
	for rows.Next() {
		var e Event
		var payload string
		var corr sql.NullString
		if err := rows.Scan(&e.StreamID, &e.Sequence, &e.Type, &payload, &corr, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.CorrelationID = corr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReadGlobal implements Store.
func (s *SQLStore) ReadGlobal(ctx context.Context, after uint64, limit int) ([]Envelope, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint, stream_id, sequence, event_type, payload, correlation_id, occurred_at
		FROM events WHERE checkpoint > $1 ORDER BY checkpoint LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("read global: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Envelope
	for rows.Next() {
		var env Envelope
		var payload string
		var corr sql.NullString
		if err := rows.Scan(&env.Checkpoint, &env.StreamID, &env.Sequence, &env.Type, &payload, &corr, &env.OccurredAt); err != nil {
			return nil, err
		}
		env.Payload = []byte(payload)
		env.CorrelationID = corr.String
		out = append(out, env)
	}
	return out, rows.Err()
}

// Subscribe implements Store by polling the global tail.
func (s *SQLStore) Subscribe(ctx context.Context, after uint64) (<-chan Envelope, func()) {
	out := make(chan Envelope, 16)
	done := make(chan struct{})
	var cancelled bool
	cancel := func() {
		if !cancelled {
			cancelled = true
			close(done)
		}
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollTick)
		defer ticker.Stop()

		pos := after
		for {
			batch, err := s.ReadGlobal(ctx, pos, 256)
			if err == nil {
				for _, env := range batch {
					select {
					case out <- env:
						pos = env.Checkpoint
					case <-done:
						return
					case <-ctx.Done():
						return
					}
				}
				if len(batch) > 0 {
					continue
				}
			}
			select {
			case <-ticker.C:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
