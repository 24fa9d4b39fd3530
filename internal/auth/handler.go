// handler.go -- AuthHandler dependencies and the interfaces it consumes.
package auth

import (
	"context"
	"time"

	"github.com/MGallo-Code/storefront-auth/internal/oauth"
	"github.com/MGallo-Code/storefront-auth/internal/pkce"
	"github.com/MGallo-Code/storefront-auth/internal/store"
	"github.com/gofrs/uuid/v5"
)

// Store defines user datastore operations needed by auth handlers.
// Satisfied by *store.PostgresStore.
type Store interface {
	// GetUserByZitadelID fetches the user linked to an external subject.
	// Returns pgx.ErrNoRows if none.
	GetUserByZitadelID(ctx context.Context, zitadelID string) (*store.User, error)

	// CreateZitadelUser inserts a new active user. Returns the raw pgx error on conflict.
	CreateZitadelUser(ctx context.Context, id uuid.UUID, zitadelID string, profile store.ZitadelProfile, passwordHash string) (*store.User, error)

	// UpdateZitadelProfile overwrites name/profile and sets is_active.
	// Returns pgx.ErrNoRows if no user has that zitadel_id.
	UpdateZitadelProfile(ctx context.Context, zitadelID string, profile store.ZitadelProfile) (*store.User, error)

	// CheckHealth pings the datastore.
	CheckHealth(ctx context.Context) error
}

// Cache defines the short-lived state operations needed by auth handlers.
// Satisfied by *store.RedisStore and store.NoopCache.
type Cache interface {
	// ClaimOnce marks key used for ttl; store.ErrAlreadyClaimed on reuse.
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) error

	// ReleaseClaim drops a claim so the key can be claimed again.
	ReleaseClaim(ctx context.Context, key string) error

	// CheckHealth pings the cache; store.ErrCacheDisabled when not configured.
	CheckHealth(ctx context.Context) error
}

// RateLimiter checks and records rate limit state for a given key and policy.
// Satisfied by *store.RedisStore and store.NoopCache.
type RateLimiter interface {
	// Allow records the attempt; store.ErrRateLimitExceeded when over policy.
	Allow(ctx context.Context, key string, policy store.RateLimit) error
}

// AuthHandler holds dependencies for all /api/auth/* HTTP handlers and middleware.
type AuthHandler struct {
	PS Store
	RS Cache
	RL RateLimiter

	// Provider is nil when Zitadel settings are incomplete; login and callback
	// then answer 500 and ProviderErr says what is missing.
	Provider    oauth.Provider
	ProviderErr error

	// FrontendCallbackURL receives the GET callback's redirect. Empty means JSON.
	FrontendCallbackURL string

	// LoginRedirect answers login with 302 instead of {authUrl, state}.
	LoginRedirect bool

	// EnforceState rejects callbacks whose state doesn't match the state cookie.
	EnforceState bool

	CookieSecure bool
	CookieMaxAge time.Duration

	StateLength    int
	VerifierLength int

	// AuthRateLimit applies per client IP to login, callback and refresh.
	AuthRateLimit store.RateLimit
}

// cookieMaxAge returns CookieMaxAge, defaulting to 300s.
func (h *AuthHandler) cookieMaxAge() time.Duration {
	if h.CookieMaxAge <= 0 {
		return 300 * time.Second
	}
	return h.CookieMaxAge
}

// lengths returns the configured state/verifier lengths, falling back to pkce defaults.
func (h *AuthHandler) lengths() (state, verifier int) {
	state, verifier = h.StateLength, h.VerifierLength
	if state <= 0 {
		state = pkce.DefaultStateLength
	}
	if verifier <= 0 {
		verifier = pkce.DefaultVerifierLength
	}
	return state, verifier
}
