// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and user queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// userColumns is the SELECT list matching scanUser.
const userColumns = `id, email, name, zitadel_id, zitadel_profile, password_hash,
	is_active, last_login_at, created_at, updated_at`

// PostgresStore is the durable user store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool, pings it, and returns a ready-to-use store.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings Postgres.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUserByZitadelID fetches the user linked to the given external subject.
// Returns pgx.ErrNoRows if no user has that zitadel_id.
func (s *PostgresStore) GetUserByZitadelID(ctx context.Context, zitadelID string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+userColumns+" FROM users WHERE zitadel_id = $1", zitadelID)
	return scanUser(row)
}

// CreateZitadelUser inserts a new active user linked to zitadelID and returns the stored row.
// The caller generates the UUID v7 and the placeholder password hash.
// Returns the raw pgx error; callers check IsUniqueViolation for a concurrent first login.
func (s *PostgresStore) CreateZitadelUser(ctx context.Context, id uuid.UUID, zitadelID string, profile ZitadelProfile, passwordHash string) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, name, zitadel_id, zitadel_profile, password_hash, is_active, last_login_at)
		 VALUES ($1, $2, $3, $4, $5, $6, TRUE, now())
		 RETURNING `+userColumns,
		id, strOrNil(profile.Email), strOrNil(profile.Name), zitadelID, rawOrNil(profile.Raw), passwordHash)
	return scanUser(row)
}

// UpdateZitadelProfile overwrites name and profile from fresh provider data,
// reactivates the user, and stamps last_login_at. Email is left untouched.
// Returns pgx.ErrNoRows if no user has that zitadel_id.
func (s *PostgresStore) UpdateZitadelProfile(ctx context.Context, zitadelID string, profile ZitadelProfile) (*User, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE users
		 SET name = $2, zitadel_profile = $3, is_active = TRUE, last_login_at = now(), updated_at = now()
		 WHERE zitadel_id = $1
		 RETURNING `+userColumns,
		zitadelID, strOrNil(profile.Name), rawOrNil(profile.Raw))
	return scanUser(row)
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// scanUser reads one row in userColumns order.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	var profile []byte
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.ZitadelID, &profile, &u.PasswordHash,
		&u.IsActive, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.ZitadelProfile = profile
	return &u, nil
}

// strOrNil converts an empty string to nil for nullable TEXT columns.
func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// rawOrNil maps an empty JSON blob to SQL NULL; otherwise passes it as text for the JSONB column.
func rawOrNil(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
