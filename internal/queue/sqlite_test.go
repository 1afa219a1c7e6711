package queue

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newSQLiteStoreForTest(t *testing.T, now func() time.Time) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "eventrelay.db")
	s, err := NewSQLiteStore(dbPath, WithSQLiteNowFunc(now))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_JournalModeIsWAL(t *testing.T) {
	s := newSQLiteStoreForTest(t, time.Now)

	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode=%q, want wal", mode)
	}
}

func TestSQLiteStore_SchemaVersionRecorded(t *testing.T) {
	s := newSQLiteStoreForTest(t, time.Now)

	var v int
	if err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v); err != nil {
		t.Fatalf("schema_version: %v", err)
	}
	if v != schemaVersion {
		t.Fatalf("schema_version=%d, want %d", v, schemaVersion)
	}
}

func TestSQLiteStore_InitIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "eventrelay.db")

	s1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s1.Enqueue([][]byte{[]byte(`{"event":"a"}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	rows, err := s2.SelectEligible(10)
	if err != nil {
		t.Fatalf("select after reopen: %v", err)
	}
	if len(rows) != 1 || string(rows[0].Payload) != `{"event":"a"}` {
		t.Fatalf("rows after reopen=%v, want the queued event", rows)
	}
}

func TestSQLiteStore_IDsMonotonicAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "eventrelay.db")

	s1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := s1.Enqueue([][]byte{[]byte(`{"event":"a"}`)}); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	rows, err := s1.SelectEligible(10)
	if err != nil {
		t.Fatalf("select 1: %v", err)
	}
	firstID := rows[0].ID
	if err := s1.Delete([]int64{firstID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	if _, err := s2.Enqueue([][]byte{[]byte(`{"event":"b"}`)}); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	rows, err = s2.SelectEligible(10)
	if err != nil {
		t.Fatalf("select 2: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows=%d, want 1", len(rows))
	}
	// AUTOINCREMENT: ids are never reused, even after delete and reopen.
	if rows[0].ID <= firstID {
		t.Fatalf("id=%d not greater than deleted id %d", rows[0].ID, firstID)
	}
}

func TestSQLiteStore_EmptyPathRejected(t *testing.T) {
	if _, err := NewSQLiteStore("  "); err == nil {
		t.Fatalf("expected error for empty db path")
	}
}
