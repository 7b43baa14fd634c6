// Package storage provides persistent storage using SQLite: swap
// records, reserved addresses and wallet scan checkpoints.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage is the daemon's persister.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open opens (or creates) the database at the given path.
func Open(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		failure_reason TEXT NOT NULL DEFAULT '',
		payer_amount_sat INTEGER NOT NULL DEFAULT 0,
		receiver_amount_sat INTEGER NOT NULL DEFAULT 0,
		max_fee_sat INTEGER NOT NULL DEFAULT 0,
		invoice TEXT NOT NULL DEFAULT '',
		payment_hash TEXT NOT NULL DEFAULT '',
		preimage TEXT NOT NULL DEFAULT '',
		leg TEXT NOT NULL,
		remote_leg TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_swaps_state ON swaps(state);
	CREATE INDEX IF NOT EXISTS idx_swaps_archived ON swaps(archived);

	CREATE TABLE IF NOT EXISTS reserved_addresses (
		address TEXT PRIMARY KEY,
		derivation_index INTEGER NOT NULL UNIQUE,
		expiry_block_height INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reserved_expiry ON reserved_addresses(expiry_block_height);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BackupTo writes a consistent copy of the database to destPath using
// VACUUM INTO.
func (s *Storage) BackupTo(destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(destPath), 0700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	// VACUUM INTO refuses to overwrite.
	if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear backup target: %w", err)
	}
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	return nil
}

// RestoreFrom replaces the live database with the backup at srcPath and
// reopens the connection. The source must be a readable database with a
// swaps table; a bad file leaves the current database untouched.
func (s *Storage) RestoreFrom(srcPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := sql.Open("sqlite3", srcPath+"?mode=ro")
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	var count int
	err = src.QueryRow(`SELECT COUNT(*) FROM swaps`).Scan(&count)
	src.Close()
	if err != nil {
		return fmt.Errorf("backup is not a valid database: %w", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	// Stale WAL/SHM files would shadow the restored content.
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(s.dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old database: %w", err)
		}
	}
	if err := copyFile(srcPath, s.dbPath); err != nil {
		return fmt.Errorf("failed to copy backup: %w", err)
	}

	db, err := sql.Open("sqlite3", s.dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping restored database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	s.db = db
	return s.initSchema()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0600)
}

// setSetting stores a settings key.
func (s *Storage) setSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// getSetting loads a settings key; ok is false when unset.
func (s *Storage) getSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixToTimeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
