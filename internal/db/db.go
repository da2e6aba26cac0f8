// Package db provides database connection management for the local record store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
)

const (
	// FileName is the database file created inside the data directory.
	FileName = "nourish.db"
	// LockFileName guards the data directory against a second writer process.
	LockFileName = "nourish.lock"
)

// DB wraps the sql.DB with the process lock and the single writer lane.
// Reads go straight to the embedded *sql.DB; every write goes through Write.
type DB struct {
	*sql.DB
	path   string
	lock   *flock.Flock
	writer *Writer
}

// Open opens the SQLite database in dataDir and applies pending migrations.
// The database is opened with:
// - WAL mode so readers never wait on the writer
// - busy timeout and immediate write transactions
// - Foreign key constraints enabled
// Only one process may hold a data directory open; a second Open fails with
// STORE_LOCKED.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to create data directory", err)
	}

	lock := flock.New(filepath.Join(dataDir, LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocked, "failed to acquire store lock", err)
	}
	if !locked {
		return nil, apperrors.New(apperrors.ErrLocked, fmt.Sprintf("data directory %s is in use by another process", dataDir))
	}

	dbPath := filepath.Join(dataDir, FileName)
	sqlDB, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		lock.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetMaxIdleConns(4)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		lock.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to connect to database", err)
	}

	if err := NewMigrator(sqlDB, Migrations()).Up(); err != nil {
		sqlDB.Close()
		lock.Unlock()
		return nil, err
	}

	logging.Debug("Database opened", map[string]interface{}{
		"path": dbPath,
	})

	return &DB{
		DB:     sqlDB,
		path:   dbPath,
		lock:   lock,
		writer: NewWriter(sqlDB),
	}, nil
}

// dsn applies the connection pragmas to every pooled connection.
func dsn(path string) string {
	return path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Writer returns the serialized write lane.
func (db *DB) Writer() *Writer {
	return db.writer
}

// Close stops the writer lane, closes the database and releases the process lock.
func (db *DB) Close() error {
	db.writer.Close()
	err := db.DB.Close()
	if unlockErr := db.lock.Unlock(); err == nil && unlockErr != nil {
		err = unlockErr
	}
	return err
}
