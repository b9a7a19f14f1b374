package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/taskgate/pkg/models"
)

const defaultRedisPrefix = "taskgate:suspension:"

// RedisStore implements Store on Redis. Each suspension is a JSON string
// whose key expires at the suspension's ExpiresAt (PXAT), so Redis drops
// most records itself. Scripts compare against the caller's clock, which
// keeps logical expiry exact when the server clock drifts.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	now    nowFunc
}

// redisRecord is the stored JSON form. Fields are never omitted because
// the Lua scripts compare them directly.
type redisRecord struct {
	Handle       string `json:"handle"`
	ExecutionRef string `json:"executionRef"`
	CreatedAt    int64  `json:"createdAt"`
	ExpiresAt    int64  `json:"expiresAt"`
	ClaimOwner   string `json:"claimOwner"`
	ClaimUntil   int64  `json:"claimUntil"`
}

var putScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local r = cjson.decode(v)
  if r.expiresAt > tonumber(ARGV[2]) then return 0 end
end
redis.call('SET', KEYS[1], ARGV[1], 'PXAT', ARGV[3])
return 1
`)

var claimScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return {0} end
local r = cjson.decode(v)
local now = tonumber(ARGV[2])
if r.expiresAt <= now then return {0} end
if r.claimOwner ~= '' and r.claimOwner ~= ARGV[1] and r.claimUntil > now then return {1} end
r.claimOwner = ARGV[1]
r.claimUntil = tonumber(ARGV[3])
local enc = cjson.encode(r)
redis.call('SET', KEYS[1], enc, 'KEEPTTL')
return {2, enc}
`)

var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local r = cjson.decode(v)
if r.claimOwner ~= ARGV[1] then return 0 end
r.claimOwner = ''
r.claimUntil = 0
redis.call('SET', KEYS[1], cjson.encode(r), 'KEEPTTL')
return 1
`)

var purgeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local r = cjson.decode(v)
local now = tonumber(ARGV[1])
if r.expiresAt > now then return 0 end
if r.claimOwner ~= '' and r.claimUntil > now then return 0 end
return redis.call('DEL', KEYS[1])
`)

var deleteIfHandleScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local r = cjson.decode(v)
if r.handle ~= ARGV[1] then return 0 end
return redis.call('DEL', KEYS[1])
`)

// NewRedisStore wraps an existing client. The caller owns the client
// lifecycle.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// NewRedisStoreFromConfig dials Redis and verifies the connection.
func NewRedisStoreFromConfig(config Config) (*RedisStore, error) {
	addr := config.RedisAddr
	if addr == "" {
		addr = config.DSN
	}
	if addr == "" {
		return nil, fmt.Errorf("Redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	s := NewRedisStore(client, config.RedisPrefix)
	s.owned = true
	return s, nil
}

// SetClock replaces the time source used for logical expiry. Used by tests.
func (s *RedisStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *RedisStore) key(correlationKey string) string {
	return s.prefix + correlationKey
}

func encodeRedis(rec *models.Suspension) (string, error) {
	data, err := json.Marshal(redisRecord{
		Handle:       rec.ResumptionHandle,
		ExecutionRef: rec.ExecutionRef,
		CreatedAt:    millis(rec.CreatedAt),
		ExpiresAt:    millis(rec.ExpiresAt),
		ClaimOwner:   rec.ClaimOwner,
		ClaimUntil:   millis(rec.ClaimUntil),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal suspension: %w", err)
	}
	return string(data), nil
}

func decodeRedis(correlationKey, raw string) (*models.Suspension, error) {
	var r redisRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suspension: %w", err)
	}
	return &models.Suspension{
		CorrelationKey:   correlationKey,
		ResumptionHandle: r.Handle,
		ExecutionRef:     r.ExecutionRef,
		CreatedAt:        fromMillis(r.CreatedAt),
		ExpiresAt:        fromMillis(r.ExpiresAt),
		ClaimOwner:       r.ClaimOwner,
		ClaimUntil:       fromMillis(r.ClaimUntil),
	}, nil
}

// Put inserts a new suspension, replacing an expired one under the key
func (s *RedisStore) Put(ctx context.Context, rec *models.Suspension) error {
	now := s.now()
	if rec.Expired(now) {
		// Never visible and PXAT in the past would delete the key, but a
		// live record under the key still wins.
		_, err := s.Get(ctx, rec.CorrelationKey)
		if err == nil {
			return ErrSuspensionExists
		}
		if errors.Is(err, ErrSuspensionNotFound) {
			return nil
		}
		return err
	}
	val, err := encodeRedis(rec)
	if err != nil {
		return err
	}
	n, err := putScript.Run(ctx, s.client, []string{s.key(rec.CorrelationKey)},
		val, millis(now), millis(rec.ExpiresAt)).Int()
	if err != nil {
		return fmt.Errorf("failed to insert suspension: %w", err)
	}
	if n == 0 {
		return ErrSuspensionExists
	}
	return nil
}

// Get retrieves a live suspension by correlation key
func (s *RedisStore) Get(ctx context.Context, key string) (*models.Suspension, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSuspensionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suspension: %w", err)
	}
	rec, err := decodeRedis(key, raw)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, ErrSuspensionNotFound
	}
	return rec, nil
}

// Delete removes a suspension; absent keys are not an error
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete suspension: %w", err)
	}
	return nil
}

// DeleteIfHandle removes the suspension only if it still carries handle
func (s *RedisStore) DeleteIfHandle(ctx context.Context, key, handle string) (bool, error) {
	n, err := deleteIfHandleScript.Run(ctx, s.client, []string{s.key(key)}, handle).Int()
	if err != nil {
		return false, fmt.Errorf("failed to delete suspension: %w", err)
	}
	return n > 0, nil
}

// Claim leases a live suspension to owner
func (s *RedisStore) Claim(ctx context.Context, key, owner string, lease time.Duration) (*models.Suspension, error) {
	now := s.now()
	res, err := claimScript.Run(ctx, s.client, []string{s.key(key)},
		owner, millis(now), millis(now.Add(lease))).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim suspension: %w", err)
	}
	if len(res) == 0 {
		return nil, fmt.Errorf("failed to claim suspension: empty script reply")
	}

	code, _ := res[0].(int64)
	switch code {
	case 0:
		return nil, ErrSuspensionNotFound
	case 1:
		return nil, ErrClaimed
	}
	raw, _ := res[1].(string)
	return decodeRedis(key, raw)
}

// Release drops owner's lease
func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, owner).Err(); err != nil {
		return fmt.Errorf("failed to release suspension: %w", err)
	}
	return nil
}

// PurgeExpired removes records that are logically expired but still
// present because the server clock lags the caller's
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	purged := 0
	err := s.scan(ctx, func(k string) (bool, error) {
		n, err := purgeScript.Run(ctx, s.client, []string{k}, millis(now)).Int()
		if err != nil {
			return false, fmt.Errorf("failed to purge suspension: %w", err)
		}
		purged += n
		return limit <= 0 || purged < limit, nil
	})
	return purged, err
}

// scan calls fn for every key under the prefix until fn returns false
func (s *RedisStore) scan(ctx context.Context, fn func(key string) (bool, error)) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 200).Result()
		if err != nil {
			return fmt.Errorf("failed to scan suspensions: %w", err)
		}
		for _, k := range keys {
			more, err := fn(k)
			if err != nil || !more {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stats scans the key prefix and counts records by visibility
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	now := s.now()
	stats := &Stats{}
	err := s.scan(ctx, func(k string) (bool, error) {
		raw, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read suspension: %w", err)
		}
		rec, err := decodeRedis(k[len(s.prefix):], raw)
		if err != nil {
			return true, nil
		}
		switch {
		case rec.Expired(now):
			stats.Expired++
		case rec.Claimed(now):
			stats.Live++
			stats.Claimed++
		default:
			stats.Live++
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// HealthCheck pings Redis
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Vacuum is a no-op for Redis
func (s *RedisStore) Vacuum(ctx context.Context) error { return nil }

// Close closes the client if the store dialed it
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
