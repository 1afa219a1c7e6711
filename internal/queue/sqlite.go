package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS event_queue (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_json  TEXT NOT NULL,
  created_at  INTEGER NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_queue_created
  ON event_queue(created_at ASC);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithSQLiteQueueCap(maxSize int) SQLiteOption {
	return func(s *SQLiteStore) {
		if maxSize > 0 {
			s.maxSize = maxSize
		}
	}
}

func WithSQLiteRetryCeiling(maxRetry int) SQLiteOption {
	return func(s *SQLiteStore) {
		if maxRetry > 0 {
			s.maxRetry = maxRetry
		}
	}
}

// SQLiteStore persists the event queue in a local SQLite file. The pool is
// constrained to one open connection, which serializes every read and write;
// this is the only concurrency control the queue table needs.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.Mutex
	nowFn    func() time.Time
	maxSize  int
	maxRetry int
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:       db,
		nowFn:    time.Now,
		maxSize:  DefaultMaxQueueSize,
		maxRetry: DefaultMaxRetryCount,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}

	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}

	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	current, hasVersion, err := readSchemaVersion(ctx, conn)
	if err != nil {
		return err
	}
	if !hasVersion {
		current = 0
	}

	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion || current != schemaVersion {
		if err := writeSchemaVersion(ctx, conn, schemaVersion); err != nil {
			return err
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// Enqueue inserts all payloads with one shared created_at stamp, then evicts
// the oldest rows beyond the cap inside the same transaction.
func (s *SQLiteStore) Enqueue(payloads [][]byte) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}
	nowMillis := s.now().UnixMilli()

	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	inserted := 0
	for _, payload := range payloads {
		if _, err := conn.ExecContext(ctx, `
INSERT INTO event_queue (event_json, created_at, retry_count)
VALUES (?, ?, 0);
`, string(payload), nowMillis); err != nil {
			return 0, err
		}
		inserted++
	}

	if _, err := conn.ExecContext(ctx, `
DELETE FROM event_queue
WHERE id IN (
  SELECT id FROM event_queue
  ORDER BY created_at ASC, id ASC
  LIMIT MAX(0, (SELECT COUNT(*) FROM event_queue) - ?)
);
`, s.maxSize); err != nil {
		return 0, err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return 0, err
	}
	committed = true
	return inserted, nil
}

func (s *SQLiteStore) SelectEligible(limit int) ([]QueuedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(context.Background(), `
SELECT id, event_json, created_at, retry_count
FROM event_queue
WHERE retry_count < ?
ORDER BY created_at ASC, id ASC
LIMIT ?;
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

func (s *SQLiteStore) Delete(ids []int64) error {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	query := `DELETE FROM event_queue WHERE id IN (` + idPlaceholders(len(ids)) + `);`
	_, err := s.db.ExecContext(context.Background(), query, idArgs(ids)...)
	return err
}

func (s *SQLiteStore) IncrementRetry(ids []int64) error {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	query := `
UPDATE event_queue
SET retry_count = retry_count + 1
WHERE id IN (` + idPlaceholders(len(ids)) + `);`
	_, err := s.db.ExecContext(context.Background(), query, idArgs(ids)...)
	return err
}

func (s *SQLiteStore) PurgeExhausted(ids []int64) (int, error) {
	ids = normalizeUniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, 1+len(ids))
	args = append(args, s.maxRetry)
	args = append(args, idArgs(ids)...)

	query := `
DELETE FROM event_queue
WHERE retry_count >= ?
  AND id IN (` + idPlaceholders(len(ids)) + `);`

	res, err := s.db.ExecContext(context.Background(), query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Stats() (Stats, error) {
	var stats Stats
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(context.Background(), `
SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN retry_count < ? THEN 1 ELSE 0 END), 0),
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

func (s *SQLiteStore) now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowFn()
}

func idPlaceholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64) []any {
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}
