// login.go -- GET /api/auth/zitadel/login: starts the PKCE authorization flow.
package auth

import (
	"net/http"
	"strconv"

	"github.com/MGallo-Code/storefront-auth/internal/pkce"
)

// loginResponse is returned to SPA clients that navigate to authUrl themselves.
type loginResponse struct {
	AuthURL string `json:"authUrl"`
	State   string `json:"state"`
}

// ZitadelLogin generates state + PKCE verifier, stores both in cookies, and
// returns the provider authorization URL (JSON by default, 302 when configured
// or when the caller passes ?redirect=1).
func (h *AuthHandler) ZitadelLogin(w http.ResponseWriter, r *http.Request) {
	if h.Provider == nil {
		writeFailure(w, r, "zitadel login: provider not configured", configErr(h.ProviderErr))
		return
	}

	stateLen, verifierLen := h.lengths()
	req, err := pkce.NewAuthorizationRequest(stateLen, verifierLen)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	authURL := h.Provider.AuthCodeURL(req.State, req.CodeChallenge)
	h.setAuthCookies(w, req.State, req.CodeVerifier)
	logInfo(r, "zitadel login initiated")

	if h.LoginRedirect || wantsRedirect(r) {
		http.Redirect(w, r, authURL, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AuthURL: authURL, State: req.State})
}

// wantsRedirect reports whether ?redirect= parses as true.
func wantsRedirect(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("redirect"))
	return err == nil && v
}
