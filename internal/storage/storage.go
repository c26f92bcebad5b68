// Package storage persists escrow records, their audit trail and the
// development ledger's balances in SQLite.
//
// The store holds no business logic. State changes are compare-and-set so
// that a caller resuming after a suspension point cannot overwrite a change
// made in the meantime.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/fusion-escrow/internal/escrow"
)

// DBFileName is the database file inside the data directory.
const DBFileName = "escrow.db"

// Store errors. They are the escrow package's store contract errors.
var (
	ErrEscrowNotFound = escrow.ErrEscrowNotFound
	ErrEscrowExists   = escrow.ErrEscrowAlreadyExists
	ErrStateConflict  = escrow.ErrStateConflict
	ErrForeignRefSet  = escrow.ErrForeignRefSet
)

// Storage provides persistent storage for the escrow daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

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

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS escrows (
		id TEXT PRIMARY KEY,
		hashlock TEXT NOT NULL,

		-- Timelocks (unix nanoseconds) and the buffers that produced them
		icp_timelock INTEGER NOT NULL,
		evm_timelock INTEGER NOT NULL,
		finality_buffer INTEGER NOT NULL,
		coordination_buffer INTEGER NOT NULL,

		token TEXT NOT NULL,
		amount INTEGER NOT NULL,
		safety_deposit INTEGER NOT NULL DEFAULT 0,
		depositor TEXT NOT NULL,
		recipient TEXT NOT NULL,

		state TEXT NOT NULL,

		-- Foreign leg request (JSON) and the reference once created
		foreign_params TEXT,
		foreign_ref TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escrows_state ON escrows(state);
	CREATE INDEX IF NOT EXISTS idx_escrows_created ON escrows(created_at);

	CREATE TABLE IF NOT EXISTS escrow_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		escrow_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		state TEXT NOT NULL,
		details TEXT,
		at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_escrow_events_escrow ON escrow_events(escrow_id, seq);

	CREATE TABLE IF NOT EXISTS ledger_balances (
		token TEXT NOT NULL,
		principal TEXT NOT NULL,
		amount INTEGER NOT NULL,
		PRIMARY KEY (token, principal)
	);

	CREATE TABLE IF NOT EXISTS ledger_meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
