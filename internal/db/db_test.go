// Package db tests for database connection management.
package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(tmpDir, FileName)); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	if db.Path() != filepath.Join(tmpDir, FileName) {
		t.Errorf("Path() = %q", db.Path())
	}

	var walMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&walMode); err != nil {
		t.Fatalf("Failed to check WAL mode: %v", err)
	}
	if walMode != "wal" {
		t.Errorf("WAL mode not enabled, got: %s", walMode)
	}

	var fkEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fkEnabled); err != nil {
		t.Fatalf("Failed to check foreign keys: %v", err)
	}
	if fkEnabled != 1 {
		t.Errorf("Foreign keys not enabled, got: %d", fkEnabled)
	}

	// Every record kind has its table, plus the outbox tables.
	tables := []string{"sync_queue", "failed_operations", "conflict_log"}
	for _, k := range models.Kinds() {
		tables = append(tables, k.TableName())
	}
	for _, name := range tables {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n); err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d, err=%v)", name, n, err)
		}
	}
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	_, err := Open("/dev/null/invalid_path/that/cannot/be/created")
	if !apperrors.Is(err, apperrors.ErrDatabase) {
		t.Errorf("Open() error = %v, want DATABASE_ERROR", err)
	}
}

// TestOpen_secondWriterLocked verifies one process-level writer per data directory.
func TestOpen_secondWriterLocked(t *testing.T) {
	tmpDir := t.TempDir()

	db1, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}

	_, err = Open(tmpDir)
	if !apperrors.Is(err, apperrors.ErrLocked) {
		t.Errorf("Second Open() error = %v, want STORE_LOCKED", err)
	}

	if err := db1.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db2, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Open() after Close() failed: %v", err)
	}
	db2.Close()
}

// TestDB_reopen verifies data persists across close and migrations are not reapplied.
func TestDB_reopen(t *testing.T) {
	tmpDir := t.TempDir()
	ctx := context.Background()

	db1, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("First Open() failed: %v", err)
	}
	err = db1.Writer().Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO weight_entries (id, data, occurred_at, sync_status, last_modified) VALUES ('w1', '{}', 0, 'synced', 1)`)
		return err
	})
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	db1.Close()

	db2, err := Open(tmpDir)
	if err != nil {
		t.Fatalf("Second Open() failed: %v", err)
	}
	defer db2.Close()

	var status string
	if err := db2.QueryRow("SELECT sync_status FROM weight_entries WHERE id = 'w1'").Scan(&status); err != nil {
		t.Fatalf("Failed to query test data: %v", err)
	}
	if status != "synced" {
		t.Errorf("sync_status = %q, want synced", status)
	}
}

// =====================================================
// Writer Lane Tests
// =====================================================

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestWriter_rollback verifies a failing TxFunc leaves nothing behind.
func TestWriter_rollback(t *testing.T) {
	db := openTestDB(t)
	boom := errors.New("boom")

	err := db.Writer().Do(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO eating_plans (id, data, sync_status, last_modified) VALUES ('p1', '{}', 'pending', 1)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want boom", err)
	}

	var n int
	db.QueryRow("SELECT COUNT(*) FROM eating_plans").Scan(&n)
	if n != 0 {
		t.Errorf("row count = %d, want 0 after rollback", n)
	}
}

// TestWriter_serializes verifies concurrent read-modify-write units never interleave.
func TestWriter_serializes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.Writer().Do(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO user_settings (id, data, sync_status, last_modified) VALUES ('s', '{}', 'synced', 0)`)
		return err
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Writer().Do(ctx, func(tx *sql.Tx) error {
				var v int64
				if err := tx.QueryRow(`SELECT last_modified FROM user_settings WHERE id = 's'`).Scan(&v); err != nil {
					return err
				}
				_, err := tx.Exec(`UPDATE user_settings SET last_modified = ? WHERE id = 's'`, v+1)
				return err
			})
			if err != nil {
				t.Errorf("Do() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	var got int64
	db.QueryRow(`SELECT last_modified FROM user_settings WHERE id = 's'`).Scan(&got)
	if got != 20 {
		t.Errorf("counter = %d, want 20 (lost updates)", got)
	}
}

// TestWriter_closed verifies writes after Close fail instead of hanging.
func TestWriter_closed(t *testing.T) {
	db := openTestDB(t)
	db.Writer().Close()

	err := db.Writer().Do(context.Background(), func(tx *sql.Tx) error { return nil })
	if !apperrors.Is(err, apperrors.ErrDatabase) {
		t.Errorf("Do() after Close() error = %v, want DATABASE_ERROR", err)
	}
}

// TestWriter_cancelledContext verifies a cancelled caller is not queued.
func TestWriter_cancelledContext(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := db.Writer().Do(ctx, func(tx *sql.Tx) error {
		called = true
		return nil
	})
	if err == nil {
		t.Error("Do() with cancelled context should fail")
	}
	if called {
		t.Error("TxFunc ran for a cancelled context")
	}
}
