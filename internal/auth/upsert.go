// upsert.go -- Maps provider identity onto the local users table.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MGallo-Code/storefront-auth/internal/oauth"
	"github.com/MGallo-Code/storefront-auth/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// userResponse is the public JSON view of a user. Never carries the password hash.
type userResponse struct {
	ID             string          `json:"id"`
	Email          *string         `json:"email"`
	Name           *string         `json:"name"`
	ZitadelID      string          `json:"zitadelId"`
	ZitadelProfile json.RawMessage `json:"zitadelProfile"`
	IsActive       bool            `json:"isActive"`
	LastLoginAt    *time.Time      `json:"lastLoginAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func newUserResponse(u *store.User) userResponse {
	profile := u.ZitadelProfile
	if len(profile) == 0 {
		profile = json.RawMessage("null")
	}
	return userResponse{
		ID:             u.ID.String(),
		Email:          u.Email,
		Name:           u.Name,
		ZitadelID:      u.ZitadelID,
		ZitadelProfile: profile,
		IsActive:       u.IsActive,
		LastLoginAt:    u.LastLoginAt,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

// upsertZitadelUser finds the user by provider subject and refreshes their profile,
// or creates them on first login. Email is only written at creation.
// A concurrent first login that loses the insert race falls back to the update.
func (h *AuthHandler) upsertZitadelUser(r *http.Request, info *oauth.UserInfo) (*store.User, error) {
	ctx := r.Context()
	profile := store.ZitadelProfile{
		Email: info.Email,
		Name:  info.DisplayName(),
		Raw:   info.Raw,
	}

	_, err := h.PS.GetUserByZitadelID(ctx, info.Sub)
	if err == nil {
		user, err := h.PS.UpdateZitadelProfile(ctx, info.Sub, profile)
		if err != nil {
			return nil, fmt.Errorf("updating zitadel user: %w", err)
		}
		return user, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("looking up zitadel user: %w", err)
	}

	// New user. Password login is not offered for these accounts; the column is
	// NOT NULL so it gets an unguessable hash.
	hash, err := placeholderPasswordHash()
	if err != nil {
		return nil, err
	}
	userID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating user id: %w", err)
	}
	user, err := h.PS.CreateZitadelUser(ctx, userID, info.Sub, profile, hash)
	if err == nil {
		logInfo(r, "zitadel user created", "user_id", user.ID)
		return user, nil
	}
	if !store.IsUniqueViolation(err) {
		return nil, fmt.Errorf("creating zitadel user: %w", err)
	}

	logDebug(r, "zitadel user created concurrently, updating instead")
	user, err = h.PS.UpdateZitadelProfile(ctx, info.Sub, profile)
	if err != nil {
		return nil, fmt.Errorf("updating zitadel user after conflict: %w", err)
	}
	return user, nil
}
