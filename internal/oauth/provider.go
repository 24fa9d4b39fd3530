// provider.go -- Identity provider types and error taxonomy.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Errors returned by ZitadelProvider. Handlers map these to HTTP statuses with errors.Is.
var (
	// ErrTokenExchangeTimeout means the whole exchange (all attempts) hit the deadline.
	ErrTokenExchangeTimeout = errors.New("token exchange timeout")

	// ErrTokenExchangeFailed covers network failures that were not retried or exhausted all attempts.
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrTokenRejected means the token endpoint answered with a non-2xx status. Never retried.
	ErrTokenRejected = fmt.Errorf("%w: rejected by provider", ErrTokenExchangeFailed)

	// ErrInvalidTokenResponse means the token endpoint body was not a usable JSON token response.
	ErrInvalidTokenResponse = errors.New("invalid token response")

	// ErrInvalidIDToken means ID token verification was enabled and the token did not verify.
	ErrInvalidIDToken = errors.New("invalid id token")

	// ErrUserInfoFetch means the userinfo endpoint failed or returned an unusable body.
	ErrUserInfoFetch = errors.New("failed to fetch user info")
)

// Provider is an OAuth2/OIDC identity provider speaking the authorization code flow.
// PKCE (RFC 7636) is the canonical mode: callers pass the code_challenge to AuthCodeURL
// and the matching code_verifier to Exchange.
type Provider interface {
	// AuthCodeURL returns the authorization URL with state and, if non-empty, the S256 challenge.
	AuthCodeURL(state, codeChallenge string) string

	// Exchange trades an authorization code for a token set.
	Exchange(ctx context.Context, code, codeVerifier string) (*TokenSet, error)

	// UserInfo fetches the claims for the given access token.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// Refresh trades a refresh token for a new token set.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)

	// Revoke invalidates an access or refresh token at the provider.
	Revoke(ctx context.Context, token string) error
}

// TokenSet is the token endpoint response. Never persisted server-side;
// handed back to the caller, which owns storage.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// UserInfo holds the claims returned by the userinfo endpoint.
// Sub is the stable join key to local users; the rest is profile data refreshed on every login.
type UserInfo struct {
	Sub        string `json:"sub"`
	Email      string `json:"email"`
	Name       string `json:"name,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Picture    string `json:"picture,omitempty"`
	Locale     string `json:"locale,omitempty"`

	// EmailVerified is taken from the oidc decode, which accepts "true" strings too.
	EmailVerified bool `json:"-"`

	// Raw is the untouched response body, stored as the user's profile blob.
	Raw json.RawMessage `json:"-"`
}

// DisplayName returns Name, or "GivenName FamilyName" trimmed when Name is empty.
func (u *UserInfo) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return strings.TrimSpace(u.GivenName + " " + u.FamilyName)
}
