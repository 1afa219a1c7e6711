package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS event_queue (
  id          BIGSERIAL PRIMARY KEY,
  event_json  TEXT NOT NULL,
  created_at  BIGINT NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_queue_created
  ON event_queue(created_at ASC);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresQueueCap(maxSize int) PostgresOption {
	return func(s *PostgresStore) {
		if maxSize > 0 {
			s.maxSize = maxSize
		}
	}
}

func WithPostgresRetryCeiling(maxRetry int) PostgresOption {
	return func(s *PostgresStore) {
		if maxRetry > 0 {
			s.maxRetry = maxRetry
		}
	}
}

// PostgresStore persists the event queue in Postgres for installations that
// already run a server database. One open connection keeps the single-writer
// invariant that the rest of the pipeline assumes.
type PostgresStore struct {
	db *sql.DB

	mu       sync.Mutex
	nowFn    func() time.Time
	maxSize  int
	maxRetry int
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresStore{
		db:       db,
		nowFn:    time.Now,
		maxSize:  DefaultMaxQueueSize,
		maxRetry: DefaultMaxRetryCount,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.ExecContext(context.Background(), postgresSchemaV1); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Enqueue(payloads [][]byte) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	nowMillis := s.now().UnixMilli()

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_ = tx.Rollback()
	}()

	inserted := 0
	for _, payload := range payloads {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO event_queue (event_json, created_at, retry_count)
VALUES ($1, $2, 0);
`, string(payload), nowMillis); err != nil {
			return 0, err
		}
		inserted++
	}

	if _, err := tx.ExecContext(ctx, `
DELETE FROM event_queue
WHERE id IN (
  SELECT id FROM event_queue
  ORDER BY created_at ASC, id ASC
  LIMIT GREATEST(0, (SELECT COUNT(*) FROM event_queue) - $1)
);
`, s.maxSize); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return inserted, nil
}

func (s *PostgresStore) SelectEligible(limit int) ([]QueuedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(context.Background(), `
SELECT id, event_json, created_at, retry_count
FROM event_queue
WHERE retry_count < $1
ORDER BY created_at ASC, id ASC
LIMIT $2;
`, s.maxRetry, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]QueuedEvent, 0, limit)
	for rows.Next() {
		var ev QueuedEvent
		var payload string
		if err := rows.Scan(&ev.ID, &payload, &ev.CreatedAt, &ev.RetryCount); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Delete(ids []int64) error {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(context.Background(), `
DELETE FROM event_queue WHERE id = ANY($1);
`, pgIDArray(ids))
	return err
}

func (s *PostgresStore) IncrementRetry(ids []int64) error {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(context.Background(), `
UPDATE event_queue SET retry_count = retry_count + 1 WHERE id = ANY($1);
`, pgIDArray(ids))
	return err
}

func (s *PostgresStore) PurgeExhausted(ids []int64) (int, error) {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(context.Background(), `
DELETE FROM event_queue WHERE retry_count >= $1 AND id = ANY($2);
`, s.maxRetry, pgIDArray(ids))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) Stats() (Stats, error) {
	var stats Stats
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(context.Background(), `
SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN retry_count < $1 THEN 1 ELSE 0 END), 0),
  MIN(created_at)
FROM event_queue;
`, s.maxRetry).Scan(&stats.Total, &stats.Eligible, &oldest)
	if err != nil {
		return Stats{}, err
	}
	if oldest.Valid {
		stats.OldestCreatedAt = oldest.Int64
	}
	return stats, nil
}

func (s *PostgresStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func pgIDArray(ids []int64) []int64 {
	return append([]int64(nil), ids...)
}
