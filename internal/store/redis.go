// redis.go -- go-redis client for short-lived auth state.
//
// Holds single-use claims on authorization codes (replay guard) and
// fixed-window rate limit counters. Everything here expires on its own;
// losing Redis loses nothing durable.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes; all keys are namespaced under "storefront:".
const (
	claimPrefix   = "storefront:claim:"
	ratePrefix    = "storefront:rate:"
	lockoutPrefix = "storefront:lockout:"
)

// RedisStore wraps a Redis client for replay guard and rate limit operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisClient parses redisURL, connects, and pings.
// Call once at startup; the returned client is safe for concurrent use.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb}
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// ClaimOnce atomically marks key as used for ttl.
// Returns nil for the first caller and ErrAlreadyClaimed for every later one until ttl passes.
func (s *RedisStore) ClaimOnce(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := s.rdb.SetNX(ctx, claimPrefix+key, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("claiming key: %w", err)
	}
	if !ok {
		return ErrAlreadyClaimed
	}
	return nil
}

// ReleaseClaim drops a claim taken by ClaimOnce so the key can be claimed again.
func (s *RedisStore) ReleaseClaim(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, claimPrefix+key).Err(); err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	return nil
}

// Allow records one attempt for key under policy.
// Returns ErrRateLimitExceeded while locked out, or when this attempt crosses
// MaxAttempts inside Window (which starts the lockout).
func (s *RedisStore) Allow(ctx context.Context, key string, policy RateLimit) error {
	locked, err := s.rdb.Exists(ctx, lockoutPrefix+key).Result()
	if err != nil {
		return fmt.Errorf("checking lockout: %w", err)
	}
	if locked > 0 {
		return ErrRateLimitExceeded
	}

	// The window starts at the first attempt.
	count, err := s.rdb.Incr(ctx, ratePrefix+key).Result()
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, ratePrefix+key, policy.Window).Err(); err != nil {
			return fmt.Errorf("setting window: %w", err)
		}
	}

	if count > int64(policy.MaxAttempts) {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, lockoutPrefix+key, 1, policy.LockoutTTL)
		pipe.Del(ctx, ratePrefix+key)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("setting lockout: %w", err)
		}
		return ErrRateLimitExceeded
	}
	return nil
}

// NoopCache stands in for RedisStore when REDIS_URL is unset.
// Every claim succeeds and every attempt is allowed.
type NoopCache struct{}

// CheckHealth always returns ErrCacheDisabled.
func (NoopCache) CheckHealth(context.Context) error { return ErrCacheDisabled }

// ClaimOnce always succeeds.
func (NoopCache) ClaimOnce(context.Context, string, time.Duration) error { return nil }

// ReleaseClaim is a no-op.
func (NoopCache) ReleaseClaim(context.Context, string) error { return nil }

// Allow always allows.
func (NoopCache) Allow(context.Context, string, RateLimit) error { return nil }
