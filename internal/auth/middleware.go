// middleware.go

// Bearer token authentication and per-IP rate limiting.
package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/MGallo-Code/storefront-auth/internal/oauth"
	"github.com/MGallo-Code/storefront-auth/internal/store"
)

// contextKey is unexported to prevent collisions with other packages using the same context.
type contextKey string

const userInfoKey contextKey = "user_info"

// UserInfoFromContext retrieves the provider identity injected by RequireBearer.
// Returns nil and false if RequireBearer hasn't run.
func UserInfoFromContext(ctx context.Context) (*oauth.UserInfo, bool) {
	info, ok := ctx.Value(userInfoKey).(*oauth.UserInfo)
	return info, ok
}

// RequireBearer validates the Authorization: Bearer token against the provider's
// userinfo endpoint and injects the identity into context; 401 on failure.
func (h *AuthHandler) RequireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			logWarn(r, "require bearer failed", "reason", "missing_bearer_token")
			Unauthorized(w, r, "Unauthorized")
			return
		}
		if h.Provider == nil {
			writeFailure(w, r, "require bearer: provider not configured", configErr(h.ProviderErr))
			return
		}

		info, err := h.Provider.UserInfo(r.Context(), token)
		if err != nil {
			if errors.Is(err, oauth.ErrUserInfoFetch) {
				logWarn(r, "require bearer failed", "reason", "userinfo_rejected", "error", err)
				Unauthorized(w, r, "Unauthorized")
				return
			}
			writeFailure(w, r, "require bearer: userinfo failed", err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userInfoKey, info)))
	})
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RateLimitIP limits requests per client IP under the given key prefix.
// Redis failures are logged and the request is let through.
func (h *AuthHandler) RateLimitIP(prefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if h.RL == nil || h.AuthRateLimit.MaxAttempts <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			key := prefix + ":" + clientIP(r)
			if err := h.RL.Allow(r.Context(), key, h.AuthRateLimit); err != nil {
				if errors.Is(err, store.ErrRateLimitExceeded) {
					logWarn(r, "rate limit exceeded", "key", key)
					TooManyRequests(w, h.AuthRateLimit.LockoutTTL)
					return
				}
				logError(r, "rate limit check failed", "error", err)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr. chi's RealIP middleware has
// already replaced RemoteAddr when a proxy header was present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
