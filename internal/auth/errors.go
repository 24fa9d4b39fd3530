// errors.go -- Callback failure taxonomy and its HTTP mapping.
package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MGallo-Code/storefront-auth/internal/oauth"
)

// Request-level failures raised by the handlers themselves.
// Provider failures come from the oauth package.
var (
	ErrConfiguration   = errors.New("server configuration error")
	ErrMissingCode     = errors.New("missing authorization code")
	ErrMissingVerifier = errors.New("missing PKCE code verifier")
	ErrStateMismatch   = errors.New("state mismatch")
	ErrCodeReplayed    = errors.New("authorization code already used")
	ErrMissingRefresh  = errors.New("missing refresh token")
	ErrBadRequestBody  = errors.New("error decoding request body")
)

// failure is the public face of an error: status, machine code, human message.
type failure struct {
	err     error
	status  int
	code    string
	message string
}

// failures is checked in order; more specific errors come before the ones they wrap.
var failures = []failure{
	{ErrConfiguration, http.StatusInternalServerError, "configuration_error", "Server configuration error"},
	{ErrMissingCode, http.StatusBadRequest, "missing_code", "Missing authorization code"},
	{ErrMissingVerifier, http.StatusBadRequest, "missing_verifier", "Missing PKCE code verifier"},
	{ErrStateMismatch, http.StatusBadRequest, "invalid_state", "Invalid state"},
	{ErrCodeReplayed, http.StatusBadRequest, "code_replayed", "Authorization code already used"},
	{ErrMissingRefresh, http.StatusBadRequest, "missing_refresh_token", "Missing refresh token"},
	{ErrBadRequestBody, http.StatusBadRequest, "invalid_request", "Error decoding request body"},
	{oauth.ErrTokenExchangeTimeout, http.StatusGatewayTimeout, "token_exchange_timeout", "Token exchange timeout"},
	{oauth.ErrTokenRejected, http.StatusUnauthorized, "token_exchange_failed", "Token exchange failed"},
	{oauth.ErrTokenExchangeFailed, http.StatusBadGateway, "token_exchange_failed", "Token exchange failed"},
	{oauth.ErrInvalidTokenResponse, http.StatusBadGateway, "invalid_token_response", "Invalid token response"},
	{oauth.ErrInvalidIDToken, http.StatusUnauthorized, "invalid_id_token", "Invalid ID token"},
	{oauth.ErrUserInfoFetch, http.StatusUnauthorized, "userinfo_failed", "Failed to fetch user info"},
}

// internalFailure covers everything not in failures (datastore errors, bugs).
var internalFailure = failure{nil, http.StatusInternalServerError, "server_error", "Internal server error"}

// classify maps err to its public failure.
func classify(err error) failure {
	for _, f := range failures {
		if errors.Is(err, f.err) {
			return f
		}
	}
	return internalFailure
}

// configErr wraps ErrConfiguration with the underlying reason, if any.
func configErr(reason error) error {
	if reason == nil {
		return ErrConfiguration
	}
	return fmt.Errorf("%w: %w", ErrConfiguration, reason)
}
