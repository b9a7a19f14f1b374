package store

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements Store using MySQL or MariaDB
type MySQLStore struct {
	*sqlStore
}

// MySQL has no conditional upsert, so every column is guarded by the
// expiry test; expires_at is assigned last because assignments are
// evaluated left to right. RowsAffected is 1 for an insert, 2 for a
// replaced expired row and 0 when a live row was left alone.
var mysqlDialect = dialect{
	name: "mysql",
	schema: []string{`
	CREATE TABLE IF NOT EXISTS suspensions (
		correlation_key VARCHAR(255) NOT NULL PRIMARY KEY,
		resumption_handle TEXT NOT NULL,
		execution_ref TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		claim_owner VARCHAR(255) NOT NULL DEFAULT '',
		claim_until BIGINT NOT NULL DEFAULT 0,
		INDEX idx_suspensions_expires_at (expires_at)
	) ENGINE=InnoDB`,
	},
	put: `
	INSERT INTO suspensions (correlation_key, resumption_handle, execution_ref, created_at, expires_at, claim_owner, claim_until)
	VALUES (?, ?, ?, ?, ?, '', 0)
	ON DUPLICATE KEY UPDATE
		resumption_handle = IF(expires_at <= ?, VALUES(resumption_handle), resumption_handle),
		execution_ref = IF(expires_at <= ?, VALUES(execution_ref), execution_ref),
		created_at = IF(expires_at <= ?, VALUES(created_at), created_at),
		claim_owner = IF(expires_at <= ?, '', claim_owner),
		claim_until = IF(expires_at <= ?, 0, claim_until),
		expires_at = IF(expires_at <= ?, VALUES(expires_at), expires_at)`,
	nowArgs:     6,
	putInserted: func(affected int64) bool { return affected == 1 || affected == 2 },
	purge: `
	DELETE FROM suspensions
	WHERE expires_at <= ? AND (claim_owner = '' OR claim_until <= ?)
	LIMIT ?`,
	vacuum: "OPTIMIZE TABLE suspensions",
}

// NewMySQLStore creates a new MySQL store.
//
// The DSN format is user:password@tcp(host:3306)/dbname.
func NewMySQLStore(config Config) (*MySQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("MySQL DSN is required")
	}

	db, err := sql.Open("mysql", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	configurePool(db, config)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	base, err := newSQLStore(db, mysqlDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLStore{sqlStore: base}, nil
}
