// refresh.go -- Token refresh and logout.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// tokenResponse is the JSON body of a successful refresh.
type tokenResponse struct {
	Success      bool   `json:"success"`
	AccessToken  string `json:"accessToken"`
	IDToken      string `json:"idToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

// Refresh handles POST /api/auth/refresh -- trades {refreshToken} for a new token set.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var input struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		writeFailure(w, r, "refresh: failed to decode input", fmt.Errorf("%w: %w", ErrBadRequestBody, err))
		return
	}
	if input.RefreshToken == "" {
		writeFailure(w, r, "refresh: bad input", ErrMissingRefresh)
		return
	}
	if h.Provider == nil {
		writeFailure(w, r, "refresh: provider not configured", configErr(h.ProviderErr))
		return
	}

	tokens, err := h.Provider.Refresh(r.Context(), input.RefreshToken)
	if err != nil {
		writeFailure(w, r, "refresh failed", err)
		return
	}
	logInfo(r, "tokens refreshed")
	writeJSON(w, http.StatusOK, tokenResponse{
		Success:      true,
		AccessToken:  tokens.AccessToken,
		IDToken:      tokens.IDToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresIn:    tokens.ExpiresIn,
	})
}

// Logout handles POST /api/auth/logout -- revokes {token} at the provider when
// given, best-effort, and clears any leftover PKCE cookies. Always 200.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		logDebug(r, "logout: ignoring undecodable body", "error", err)
	}

	if input.Token != "" && h.Provider != nil {
		if err := h.Provider.Revoke(r.Context(), input.Token); err != nil {
			logWarn(r, "logout: token revocation failed", "error", err)
		}
	}

	h.clearAuthCookies(w)
	logInfo(r, "user logged out", "revoked", input.Token != "" && h.Provider != nil)
	OK(w, "Logged out successfully")
}
