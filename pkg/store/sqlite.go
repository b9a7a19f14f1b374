package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the token store
type SQLiteStore struct {
	*sqlStore
	path string
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{`
	CREATE TABLE IF NOT EXISTS suspensions (
		correlation_key TEXT PRIMARY KEY,
		resumption_handle TEXT NOT NULL,
		execution_ref TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		claim_owner TEXT NOT NULL DEFAULT '',
		claim_until INTEGER NOT NULL DEFAULT 0
	)`,
		`CREATE INDEX IF NOT EXISTS idx_suspensions_expires_at ON suspensions(expires_at)`,
	},
	put: `
	INSERT INTO suspensions (correlation_key, resumption_handle, execution_ref, created_at, expires_at, claim_owner, claim_until)
	VALUES (?, ?, ?, ?, ?, '', 0)
	ON CONFLICT (correlation_key) DO UPDATE SET
		resumption_handle = excluded.resumption_handle,
		execution_ref = excluded.execution_ref,
		created_at = excluded.created_at,
		expires_at = excluded.expires_at,
		claim_owner = '',
		claim_until = 0
	WHERE suspensions.expires_at <= ?`,
	nowArgs:     1,
	putInserted: func(affected int64) bool { return affected > 0 },
	purge: `
	DELETE FROM suspensions WHERE correlation_key IN (
		SELECT correlation_key FROM suspensions
		WHERE expires_at <= ? AND (claim_owner = '' OR claim_until <= ?)
		LIMIT ?
	)`,
	vacuum: "VACUUM",
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers do not block the single writer
	// - _busy_timeout=10000: wait up to 10 seconds when database is locked
	// - _txlock=immediate: take the write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer serializes concurrent Puts on the same key
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	base, err := newSQLStore(db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{sqlStore: base, path: dbPath}, nil
}

// Path returns the database file location
func (s *SQLiteStore) Path() string {
	return s.path
}
