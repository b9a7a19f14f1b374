package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/taskgate/pkg/models"
)

// dialect captures the statements that differ between SQL backends.
// Timestamps are stored as unix milliseconds in every dialect so the
// expiry comparisons are plain integer comparisons.
type dialect struct {
	name   string
	schema []string
	// put inserts a record, replacing an existing one only if it is expired.
	// Arguments: key, handle, execRef, createdAt, expiresAt, then nowArgs
	// copies of now.
	put     string
	nowArgs int
	// putInserted interprets RowsAffected of put.
	putInserted func(affected int64) bool
	purge       string
	vacuum      string
	numbered    bool // $1-style placeholders
}

// sqlStore implements Store on database/sql for every SQL dialect.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     nowFunc
}

const selectColumns = `correlation_key, resumption_handle, execution_ref, created_at, expires_at, claim_owner, claim_until`

func newSQLStore(db *sql.DB, d dialect) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: d, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *sqlStore) initSchema() error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rewrites ? placeholders for dialects that number them.
func (s *sqlStore) q(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuspension(row rowScanner) (*models.Suspension, error) {
	var rec models.Suspension
	var created, expires, claimUntil int64
	if err := row.Scan(&rec.CorrelationKey, &rec.ResumptionHandle, &rec.ExecutionRef,
		&created, &expires, &rec.ClaimOwner, &claimUntil); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromMillis(created)
	rec.ExpiresAt = fromMillis(expires)
	rec.ClaimUntil = fromMillis(claimUntil)
	return &rec, nil
}

// Put inserts a new suspension
func (s *sqlStore) Put(ctx context.Context, rec *models.Suspension) error {
	now := millis(s.now())
	args := []any{rec.CorrelationKey, rec.ResumptionHandle, rec.ExecutionRef,
		millis(rec.CreatedAt), millis(rec.ExpiresAt)}
	for i := 0; i < s.dialect.nowArgs; i++ {
		args = append(args, now)
	}

	res, err := s.db.ExecContext(ctx, s.q(s.dialect.put), args...)
	if err != nil {
		return fmt.Errorf("failed to insert suspension: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if !s.dialect.putInserted(affected) {
		return ErrSuspensionExists
	}
	return nil
}

// Get retrieves a live suspension by correlation key
func (s *sqlStore) Get(ctx context.Context, key string) (*models.Suspension, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+selectColumns+`
		FROM suspensions WHERE correlation_key = ? AND expires_at > ?
	`), key, millis(s.now()))

	rec, err := scanSuspension(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSuspensionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suspension: %w", err)
	}
	return rec, nil
}

// Delete removes a suspension; absent keys are not an error
func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM suspensions WHERE correlation_key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete suspension: %w", err)
	}
	return nil
}

// DeleteIfHandle removes the suspension only if it still carries handle
func (s *sqlStore) DeleteIfHandle(ctx context.Context, key, handle string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM suspensions WHERE correlation_key = ? AND resumption_handle = ?`), key, handle)
	if err != nil {
		return false, fmt.Errorf("failed to delete suspension: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

// Claim leases a live suspension to owner
func (s *sqlStore) Claim(ctx context.Context, key, owner string, lease time.Duration) (*models.Suspension, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE suspensions SET claim_owner = ?, claim_until = ?
		WHERE correlation_key = ? AND expires_at > ?
		  AND (claim_owner = '' OR claim_owner = ? OR claim_until <= ?)
	`), owner, millis(now.Add(lease)), key, millis(now), owner, millis(now))
	if err != nil {
		return nil, fmt.Errorf("failed to claim suspension: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		// No live record, someone else holds it, or (MySQL counts changed
		// rows only) the owner re-claimed with an identical lease.
		rec, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec.ClaimOwner != owner {
			return nil, ErrClaimed
		}
		return rec, nil
	}

	// The lease was taken while the record was live. Read it back by owner
	// without re-checking expiry so a claim won just before ExpiresAt
	// completes under the original window.
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+selectColumns+`
		FROM suspensions WHERE correlation_key = ? AND claim_owner = ?
	`), key, owner)
	rec, err := scanSuspension(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSuspensionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read claimed suspension: %w", err)
	}
	return rec, nil
}

// Release drops owner's lease
func (s *sqlStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE suspensions SET claim_owner = '', claim_until = 0
		WHERE correlation_key = ? AND claim_owner = ?
	`), key, owner)
	if err != nil {
		return fmt.Errorf("failed to release suspension: %w", err)
	}
	return nil
}

// PurgeExpired removes up to limit expired suspensions that no resolver
// is holding
func (s *sqlStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	ms := millis(now)
	res, err := s.db.ExecContext(ctx, s.q(s.dialect.purge), ms, ms, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired suspensions: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

// Stats counts records by visibility
func (s *sqlStore) Stats(ctx context.Context) (*Stats, error) {
	ms := millis(s.now())
	var live, expired, claimed int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT
			COALESCE(SUM(CASE WHEN expires_at > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at > ? AND claim_owner <> '' AND claim_until > ? THEN 1 ELSE 0 END), 0)
		FROM suspensions
	`), ms, ms, ms, ms).Scan(&live, &expired, &claimed)
	if err != nil {
		return nil, fmt.Errorf("failed to count suspensions: %w", err)
	}
	return &Stats{Live: int(live), Expired: int(expired), Claimed: int(claimed)}, nil
}

// HealthCheck pings the database
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Vacuum reclaims space left behind by purged rows
func (s *sqlStore) Vacuum(ctx context.Context) error {
	if s.dialect.vacuum == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.dialect.vacuum)
	return err
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source. Used by tests.
func (s *sqlStore) SetClock(now func() time.Time) {
	s.now = now
}
