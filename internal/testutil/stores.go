// stores.go
//
// Shared mock implementations of auth.Store, auth.Cache and auth.RateLimiter.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/storefront-auth/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MockStore implements auth.Store for tests.

// Always stateful...Users is a map keyed by zitadel_id, like the unique index on the real table.
// Use *Err fields to inject errors for specific operations.
type MockStore struct {
	// Error injection...zero value means no error
	GetUserErr     error
	CreateUserErr  error
	UpdateUserErr  error
	CheckHealthErr error

	// CreateRace makes the next CreateZitadelUser behave as if a concurrent
	// request inserted the same subject first: the row appears, and the call
	// returns a unique violation.
	CreateRace bool

	Users map[string]*store.User // keyed by zitadel_id

	// Call counters
	Creates int
	Updates int

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users, indexed by zitadel_id.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{Users: make(map[string]*store.User)}
	for _, u := range users {
		ms.Users[u.ZitadelID] = u
	}
	return ms
}

func (m *MockStore) GetUserByZitadelID(_ context.Context, zitadelID string) (*store.User, error) {
	if m.GetUserErr != nil {
		return nil, m.GetUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[zitadelID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *u
	return &cp, nil
}

func (m *MockStore) CreateZitadelUser(_ context.Context, id uuid.UUID, zitadelID string, profile store.ZitadelProfile, passwordHash string) (*store.User, error) {
	if m.CreateUserErr != nil {
		return nil, m.CreateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Creates++
	if m.Users == nil {
		m.Users = make(map[string]*store.User)
	}
	if m.CreateRace {
		m.CreateRace = false
		m.Users[zitadelID] = newUser(uuid.Must(uuid.NewV7()), zitadelID, profile, passwordHash)
		return nil, &pgconn.PgError{Code: "23505", ConstraintName: "users_zitadel_id_key"}
	}
	if _, exists := m.Users[zitadelID]; exists {
		return nil, &pgconn.PgError{Code: "23505", ConstraintName: "users_zitadel_id_key"}
	}
	u := newUser(id, zitadelID, profile, passwordHash)
	m.Users[zitadelID] = u
	cp := *u
	return &cp, nil
}

func (m *MockStore) UpdateZitadelProfile(_ context.Context, zitadelID string, profile store.ZitadelProfile) (*store.User, error) {
	if m.UpdateUserErr != nil {
		return nil, m.UpdateUserErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Updates++
	u, ok := m.Users[zitadelID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	now := time.Now()
	u.Name = strPtr(profile.Name)
	u.ZitadelProfile = profile.Raw
	u.IsActive = true
	u.LastLoginAt = &now
	u.UpdatedAt = now
	cp := *u
	return &cp, nil
}

func (m *MockStore) CheckHealth(_ context.Context) error {
	return m.CheckHealthErr
}

// newUser builds the row CreateZitadelUser would insert.
func newUser(id uuid.UUID, zitadelID string, profile store.ZitadelProfile, passwordHash string) *store.User {
	now := time.Now()
	return &store.User{
		ID:             id,
		Email:          strPtr(profile.Email),
		Name:           strPtr(profile.Name),
		ZitadelID:      zitadelID,
		ZitadelProfile: profile.Raw,
		PasswordHash:   passwordHash,
		IsActive:       true,
		LastLoginAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MockCache implements auth.Cache for tests.
// Claims records every claimed key; a repeat claim returns store.ErrAlreadyClaimed.
type MockCache struct {
	ClaimErr       error
	CheckHealthErr error

	Claims   map[string]time.Duration
	Releases int

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{Claims: make(map[string]time.Duration)}
}

func (m *MockCache) ClaimOnce(_ context.Context, key string, ttl time.Duration) error {
	if m.ClaimErr != nil {
		return m.ClaimErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Claims == nil {
		m.Claims = make(map[string]time.Duration)
	}
	if _, ok := m.Claims[key]; ok {
		return store.ErrAlreadyClaimed
	}
	m.Claims[key] = ttl
	return nil
}

func (m *MockCache) ReleaseClaim(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Claims, key)
	m.Releases++
	return nil
}

func (m *MockCache) CheckHealth(_ context.Context) error {
	return m.CheckHealthErr
}

// MockRateLimiter implements auth.RateLimiter for tests.
// Counts attempts per key and returns store.ErrRateLimitExceeded past MaxAttempts.
// AllowErr, when set, is returned for every call.
type MockRateLimiter struct {
	AllowErr error

	Attempts map[string]int

	mu sync.Mutex
}

func (m *MockRateLimiter) Allow(_ context.Context, key string, policy store.RateLimit) error {
	if m.AllowErr != nil {
		return m.AllowErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Attempts == nil {
		m.Attempts = make(map[string]int)
	}
	m.Attempts[key]++
	if policy.MaxAttempts > 0 && m.Attempts[key] > policy.MaxAttempts {
		return store.ErrRateLimitExceeded
	}
	return nil
}
