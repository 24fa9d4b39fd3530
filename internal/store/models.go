// models.go -- Shared domain types for the store package.
// Used by both Postgres (user records) and Redis (replay guard, rate limits).
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrRateLimitExceeded is returned by Allow when the caller is locked out.
// Callers use errors.Is to distinguish rate limit rejections from Redis failures.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrAlreadyClaimed is returned by ClaimOnce when the key was claimed earlier.
var ErrAlreadyClaimed = errors.New("already claimed")

// ErrCacheDisabled is returned by NoopCache.CheckHealth when Redis is not configured.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrCacheDisabled = errors.New("cache disabled")

// User represents a row in the users table.
// Nullable columns are pointers; nil means SQL NULL.
type User struct {
	ID             uuid.UUID
	Email          *string
	Name           *string
	ZitadelID      string
	ZitadelProfile json.RawMessage
	PasswordHash   string
	IsActive       bool
	LastLoginAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ZitadelProfile is the provider data written on every successful login.
type ZitadelProfile struct {
	Email string
	Name  string
	Raw   json.RawMessage
}

// RateLimit defines a rate limit policy for a specific action.
// MaxAttempts is the threshold; Window is the counting period;
// LockoutTTL is how long the caller is blocked once the threshold is hit.
type RateLimit struct {
	MaxAttempts int
	Window      time.Duration
	LockoutTTL  time.Duration
}
