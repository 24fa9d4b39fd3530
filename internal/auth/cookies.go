// cookies.go -- Short-lived PKCE cookies carried between login and callback.
package auth

import (
	"net/http"
)

const (
	stateCookieName    = "zitadel_state"
	verifierCookieName = "zitadel_code_verifier"
)

// setAuthCookies stores state and verifier for the callback to read back.
func (h *AuthHandler) setAuthCookies(w http.ResponseWriter, state, verifier string) {
	maxAge := int(h.cookieMaxAge().Seconds())
	for name, value := range map[string]string{stateCookieName: state, verifierCookieName: verifier} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			HttpOnly: true,
			Secure:   h.CookieSecure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   maxAge,
		})
	}
}

// clearAuthCookies expires both PKCE cookies immediately.
func (h *AuthHandler) clearAuthCookies(w http.ResponseWriter) {
	for _, name := range []string{stateCookieName, verifierCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: true,
			Secure:   h.CookieSecure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   -1,
		})
	}
}

// cookieValue returns the named cookie's value, or "" if absent.
func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
