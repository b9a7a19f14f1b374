package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	*sqlStore
}

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{`
	CREATE TABLE IF NOT EXISTS suspensions (
		correlation_key TEXT PRIMARY KEY,
		resumption_handle TEXT NOT NULL,
		execution_ref TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		claim_owner TEXT NOT NULL DEFAULT '',
		claim_until BIGINT NOT NULL DEFAULT 0
	)`,
		`CREATE INDEX IF NOT EXISTS idx_suspensions_expires_at ON suspensions(expires_at)`,
	},
	put: `
	INSERT INTO suspensions (correlation_key, resumption_handle, execution_ref, created_at, expires_at, claim_owner, claim_until)
	VALUES (?, ?, ?, ?, ?, '', 0)
	ON CONFLICT (correlation_key) DO UPDATE SET
		resumption_handle = EXCLUDED.resumption_handle,
		execution_ref = EXCLUDED.execution_ref,
		created_at = EXCLUDED.created_at,
		expires_at = EXCLUDED.expires_at,
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
		FOR UPDATE SKIP LOCKED
	)`,
	vacuum:   "VACUUM ANALYZE suspensions",
	numbered: true,
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	configurePool(db, config)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	base, err := newSQLStore(db, postgresDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{sqlStore: base}, nil
}

// configurePool applies pool limits shared by the networked SQL backends
func configurePool(db *sql.DB, config Config) {
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
}
