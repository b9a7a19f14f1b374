package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/taskgate/pkg/models"
)

var (
	ErrSuspensionNotFound  = errors.New("suspension not found")
	ErrSuspensionExists    = errors.New("suspension already exists for correlation key")
	ErrClaimed             = errors.New("suspension is being resolved by another callback")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store is the durable mapping from correlation key to suspension record.
// All backends enforce logical expiry themselves: a record whose ExpiresAt
// has passed is reported as ErrSuspensionNotFound whether or not it has been
// physically purged yet.
type Store interface {
	// Put inserts a record. It fails with ErrSuspensionExists when a live
	// record already holds the key. An expired record under the key is
	// replaced.
	Put(ctx context.Context, rec *models.Suspension) error

	// Get returns the live record for key or ErrSuspensionNotFound.
	Get(ctx context.Context, key string) (*models.Suspension, error)

	// Delete removes the record. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// DeleteIfHandle removes the record only if it still carries handle,
	// so a late delete never removes a newer suspension under the same key.
	DeleteIfHandle(ctx context.Context, key, handle string) (bool, error)

	// Claim atomically checks that the record is live and not leased by
	// another owner, then leases it to owner until now+lease.
	Claim(ctx context.Context, key, owner string, lease time.Duration) (*models.Suspension, error)

	// Release drops owner's lease so a retried callback can claim again.
	Release(ctx context.Context, key, owner string) error

	// PurgeExpired physically removes up to limit expired records.
	PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error)

	// Stats counts live and expired-but-unpurged records.
	Stats(ctx context.Context) (*Stats, error)

	HealthCheck(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}

// Stats is a snapshot of store occupancy.
type Stats struct {
	Live    int `json:"live"`
	Expired int `json:"expired"`
	Claimed int `json:"claimed"`
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite", "postgres", "mysql" or "redis"
	DSN  string // Connection string

	// SQL pool settings (PostgreSQL, MySQL)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string

	// Redis specific
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "taskgate.db"
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "mysql", "mariadb":
		return NewMySQLStore(config)
	case "redis":
		return NewRedisStoreFromConfig(config)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

// nowFunc is swapped by tests that need to move time.
type nowFunc func() time.Time
