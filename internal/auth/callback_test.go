// callback_test.go -- unit tests for ZitadelCallback, ZitadelCallbackRedirect and upsertZitadelUser.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MGallo-Code/storefront-auth/internal/oauth"
	"github.com/MGallo-Code/storefront-auth/internal/store"
	"github.com/MGallo-Code/storefront-auth/internal/testutil"
	"github.com/gofrs/uuid/v5"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r-wW1gFWFOEjXkdBjftJeZ4CVP"

// callbackReq builds a POST callback with a JSON body and the given pkce cookies ("" = omitted).
func callbackReq(body, state, verifier string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/auth/zitadel-callback", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	if state != "" {
		r.AddCookie(&http.Cookie{Name: stateCookieName, Value: state})
	}
	if verifier != "" {
		r.AddCookie(&http.Cookie{Name: verifierCookieName, Value: verifier})
	}
	return r
}

// decodeCallback decodes a successful callback body.
func decodeCallback(t *testing.T, w *httptest.ResponseRecorder) callbackResponse {
	t.Helper()
	var body callbackResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding callback body %q: %v", w.Body.String(), err)
	}
	return body
}

// --- ZitadelCallback ---

func TestZitadelCallback_NewUser(t *testing.T) {
	p := newMockProvider()
	h, ms, _ := newTestHandler(p)
	w := httptest.NewRecorder()
	h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))

	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeCallback(t, w)
	if !body.Success {
		t.Error("success: expected true")
	}
	if body.User.ZitadelID != "u1" {
		t.Errorf("user.zitadelId: expected u1, got %q", body.User.ZitadelID)
	}
	if body.User.Name == nil || *body.User.Name != "A B" {
		t.Errorf("user.name: expected %q, got %v", "A B", body.User.Name)
	}
	if body.User.Email == nil || *body.User.Email != "a@b.com" {
		t.Errorf("user.email: expected a@b.com, got %v", body.User.Email)
	}
	if !body.User.IsActive {
		t.Error("user.isActive: expected true")
	}
	if body.AccessToken != "T" || body.IDToken != "I" || body.RefreshToken != "R" || body.ExpiresIn != 3600 {
		t.Errorf("tokens: got %+v", body)
	}
	if p.lastCode != "abc123" || p.lastVerifier != testVerifier {
		t.Errorf("exchange args: code=%q verifier=%q", p.lastCode, p.lastVerifier)
	}
	if ms.Creates != 1 || ms.Updates != 0 {
		t.Errorf("store calls: creates=%d updates=%d", ms.Creates, ms.Updates)
	}
	if strings.Contains(w.Body.String(), "argon2id") || strings.Contains(w.Body.String(), "passwordHash") {
		t.Error("response leaks password hash")
	}
	if stored := ms.Users["u1"]; stored == nil || !strings.HasPrefix(stored.PasswordHash, "$argon2id$") {
		t.Errorf("stored password hash: expected argon2id placeholder, got %+v", stored)
	}
	assertClearedAuthCookies(t, w)
}

func TestZitadelCallback_ExistingUser(t *testing.T) {
	oldName, email := "Old Name", "keep@b.com"
	existing := &store.User{
		ID:        uuid.Must(uuid.NewV7()),
		ZitadelID: "u1",
		Name:      &oldName,
		Email:     &email,
		IsActive:  false,
	}
	p := newMockProvider()
	h, _, _ := newTestHandler(p)
	ms := testutil.NewMockStore(existing)
	h.PS = ms

	w := httptest.NewRecorder()
	h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))

	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	body := decodeCallback(t, w)
	if body.User.ID != existing.ID.String() {
		t.Errorf("user.id: expected %s, got %s", existing.ID, body.User.ID)
	}
	if body.User.Name == nil || *body.User.Name != "A B" {
		t.Errorf("user.name: expected refreshed %q, got %v", "A B", body.User.Name)
	}
	if body.User.Email == nil || *body.User.Email != "keep@b.com" {
		t.Errorf("user.email: expected unchanged keep@b.com, got %v", body.User.Email)
	}
	if !body.User.IsActive {
		t.Error("user.isActive: expected reactivated")
	}
	var profile map[string]any
	if err := json.Unmarshal(body.User.ZitadelProfile, &profile); err != nil || profile["sub"] != "u1" {
		t.Errorf("user.zitadelProfile: got %s (%v)", body.User.ZitadelProfile, err)
	}
	if ms.Creates != 0 || ms.Updates != 1 {
		t.Errorf("store calls: creates=%d updates=%d", ms.Creates, ms.Updates)
	}
}

func TestZitadelCallback_RepeatLogin(t *testing.T) {
	h, ms, _ := newTestHandler(newMockProvider())

	var ids []string
	for _, code := range []string{"first-code", "second-code"} {
		w := httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"`+code+`"}`, "", testVerifier))
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d (%s)", code, w.Code, w.Body.String())
		}
		ids = append(ids, decodeCallback(t, w).User.ID)
	}

	if ms.Creates != 1 || ms.Updates != 1 {
		t.Errorf("store calls: expected creates=1 updates=1, got creates=%d updates=%d", ms.Creates, ms.Updates)
	}
	if len(ms.Users) != 1 {
		t.Errorf("users: expected 1, got %d", len(ms.Users))
	}
	if ids[0] != ids[1] {
		t.Errorf("user.id: second login got %s, first got %s", ids[1], ids[0])
	}
}

func TestZitadelCallback_InputSources(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		target      string
	}{
		{"json body", "application/json", `{"code":"abc123","state":"s"}`, "/api/auth/zitadel-callback"},
		{"form body", "application/x-www-form-urlencoded", "code=abc123&state=s", "/api/auth/zitadel-callback"},
		{"query string", "", "", "/api/auth/zitadel-callback?code=abc123&state=s"},
		{"empty json body with query", "application/json", "", "/api/auth/zitadel-callback?code=abc123"},
		{"json body without content type", "", `{"code":"abc123","state":"s"}`, "/api/auth/zitadel-callback"},
		{"json body sent as text/plain", "text/plain;charset=UTF-8", `{"code":"abc123"}`, "/api/auth/zitadel-callback"},
		{"non-json text body with query", "text/plain", "hello", "/api/auth/zitadel-callback?code=abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMockProvider()
			h, _, _ := newTestHandler(p)
			r := httptest.NewRequest(http.MethodPost, tt.target, strings.NewReader(tt.body))
			if tt.contentType != "" {
				r.Header.Set("Content-Type", tt.contentType)
			}
			r.AddCookie(&http.Cookie{Name: verifierCookieName, Value: testVerifier})
			w := httptest.NewRecorder()
			h.ZitadelCallback(w, r)
			if w.Code != http.StatusOK {
				t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
			}
			if p.lastCode != "abc123" {
				t.Errorf("code: expected abc123, got %q", p.lastCode)
			}
		})
	}
}

func TestZitadelCallback_Failures(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		verifier string
		setup    func(h *AuthHandler, p *mockProvider, ms *testutil.MockStore)
		status   int
		msg      string
		exchange bool // whether the provider should have been called
	}{
		{
			name: "missing code", body: `{}`, verifier: testVerifier,
			status: http.StatusBadRequest, msg: "Missing authorization code",
		},
		{
			name: "missing verifier cookie", body: `{"code":"abc123"}`,
			status: http.StatusBadRequest, msg: "Missing PKCE code verifier",
		},
		{
			name: "malformed json", body: `{"code":`, verifier: testVerifier,
			status: http.StatusBadRequest, msg: "Error decoding request body",
		},
		{
			name: "provider not configured", body: `{"code":"abc123"}`, verifier: testVerifier,
			setup:  func(h *AuthHandler, _ *mockProvider, _ *testutil.MockStore) { h.Provider = nil },
			status: http.StatusInternalServerError, msg: "Server configuration error",
		},
		{
			name: "exchange timeout", body: `{"code":"abc123"}`, verifier: testVerifier,
			setup: func(_ *AuthHandler, p *mockProvider, _ *testutil.MockStore) {
				p.exchangeErr = fmt.Errorf("%w after 12s", oauth.ErrTokenExchangeTimeout)
			},
			status: http.StatusGatewayTimeout, msg: "Token exchange timeout", exchange: true,
		},
		{
			name: "exchange rejected", body: `{"code":"abc123"}`, verifier: testVerifier,
			setup: func(_ *AuthHandler, p *mockProvider, _ *testutil.MockStore) {
				p.exchangeErr = fmt.Errorf("%w: 400 invalid_grant", oauth.ErrTokenRejected)
			},
			status: http.StatusUnauthorized, msg: "Token exchange failed", exchange: true,
		},
		{
			name: "exchange network failure", body: `{"code":"abc123"}`, verifier: testVerifier,
			setup: func(_ *AuthHandler, p *mockProvider, _ *testutil.MockStore) {
				p.exchangeErr = fmt.Errorf("%w: connection refused", oauth.ErrTokenExchangeFailed)
			},
			status: http.StatusBadGateway, msg: "Token exchange failed", exchange: true,
		},
		{
			name: "invalid token response", body: `{"code":"abc123"}`, verifier: testVerifier,
			setup: func(_ *AuthHandler, p *mockProvider, _ *testutil.MockStore) {
				p.exchangeErr = oauth.ErrInvalidTokenResponse
			},
			status: http.StatusBadGateway, msg: "Invalid token response", exchange: true,
		},
		{
			name: "userinfo failure", body: `{"code":"abc123"}`, verifier: testVerifier,
			setup: func(_ *AuthHandler, p *mockProvider, _ *testutil.MockStore) {
				p.userInfoErr = fmt.Errorf("%w: status 401", oauth.ErrUserInfoFetch)
			},
			status: http.StatusUnauthorized, msg: "Failed to fetch user info", exchange: true,
		},
		{
			name: "datastore lookup failure", body: `{"code":"abc123"}`, verifier: testVerifier,
			setup: func(_ *AuthHandler, _ *mockProvider, ms *testutil.MockStore) {
				ms.GetUserErr = errors.New("connection reset")
			},
			status: http.StatusInternalServerError, msg: "Internal server error", exchange: true,
		},
		{
			name: "datastore create failure", body: `{"code":"abc123"}`, verifier: testVerifier,
			setup: func(_ *AuthHandler, _ *mockProvider, ms *testutil.MockStore) {
				ms.CreateUserErr = errors.New("disk full")
			},
			status: http.StatusInternalServerError, msg: "Internal server error", exchange: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newMockProvider()
			h, ms, _ := newTestHandler(p)
			if tt.setup != nil {
				tt.setup(h, p, ms)
			}
			w := httptest.NewRecorder()
			h.ZitadelCallback(w, callbackReq(tt.body, "", tt.verifier))

			assertError(t, w, tt.status, tt.msg)
			if called := p.exchangeCalls > 0; called != tt.exchange {
				t.Errorf("provider exchange called=%v, expected %v", called, tt.exchange)
			}
			if tt.status != http.StatusBadRequest || tt.msg != "Error decoding request body" {
				assertClearedAuthCookies(t, w)
			}
		})
	}
}

func TestZitadelCallback_State(t *testing.T) {
	t.Run("enforced: mismatch rejected before exchange", func(t *testing.T) {
		p := newMockProvider()
		h, _, _ := newTestHandler(p)
		h.EnforceState = true
		w := httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123","state":"other"}`, "expected", testVerifier))
		assertError(t, w, http.StatusBadRequest, "Invalid state")
		if p.exchangeCalls != 0 {
			t.Error("exchange should not run on state mismatch")
		}
	})

	t.Run("enforced: missing cookie rejected", func(t *testing.T) {
		p := newMockProvider()
		h, _, _ := newTestHandler(p)
		h.EnforceState = true
		w := httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))
		assertError(t, w, http.StatusBadRequest, "Invalid state")
	})

	t.Run("enforced: match accepted", func(t *testing.T) {
		h, _, _ := newTestHandler(newMockProvider())
		h.EnforceState = true
		w := httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123","state":"expected"}`, "expected", testVerifier))
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
		}
	})

	t.Run("not enforced: mismatch tolerated", func(t *testing.T) {
		h, _, _ := newTestHandler(newMockProvider())
		w := httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123","state":"other"}`, "expected", testVerifier))
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
		}
	})
}

func TestZitadelCallback_Replay(t *testing.T) {
	t.Run("second use of a code is rejected without a provider call", func(t *testing.T) {
		p := newMockProvider()
		h, _, _ := newTestHandler(p)

		w := httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))
		if w.Code != http.StatusOK {
			t.Fatalf("first callback: expected 200, got %d", w.Code)
		}

		w = httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))
		assertError(t, w, http.StatusBadRequest, "Authorization code already used")
		if p.exchangeCalls != 1 {
			t.Errorf("exchange calls: expected 1, got %d", p.exchangeCalls)
		}
	})

	t.Run("claim key does not contain the raw code", func(t *testing.T) {
		h, _, mc := newTestHandler(newMockProvider())
		h.ZitadelCallback(httptest.NewRecorder(), callbackReq(`{"code":"abc123"}`, "", testVerifier))
		if len(mc.Claims) != 1 {
			t.Fatalf("claims: expected 1, got %d", len(mc.Claims))
		}
		for k, ttl := range mc.Claims {
			if strings.Contains(k, "abc123") {
				t.Errorf("claim key leaks code: %q", k)
			}
			if ttl != h.cookieMaxAge() {
				t.Errorf("claim ttl: expected %v, got %v", h.cookieMaxAge(), ttl)
			}
		}
	})

	t.Run("network failure releases the code for a retry", func(t *testing.T) {
		for _, netErr := range []error{oauth.ErrTokenExchangeTimeout, oauth.ErrTokenExchangeFailed} {
			p := newMockProvider()
			p.exchangeErr = fmt.Errorf("attempt 3: %w", netErr)
			h, _, mc := newTestHandler(p)

			h.ZitadelCallback(httptest.NewRecorder(), callbackReq(`{"code":"abc123"}`, "", testVerifier))
			if mc.Releases != 1 || len(mc.Claims) != 0 {
				t.Fatalf("%v: expected claim released, got releases=%d claims=%d", netErr, mc.Releases, len(mc.Claims))
			}

			p.exchangeErr = nil
			w := httptest.NewRecorder()
			h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))
			if w.Code != http.StatusOK {
				t.Errorf("%v: retry expected 200, got %d (%s)", netErr, w.Code, w.Body.String())
			}
			if p.exchangeCalls != 2 {
				t.Errorf("%v: exchange calls: expected 2, got %d", netErr, p.exchangeCalls)
			}
		}
	})

	t.Run("rejected exchange keeps the claim", func(t *testing.T) {
		p := newMockProvider()
		p.exchangeErr = fmt.Errorf("status 400: invalid_grant: %w", oauth.ErrTokenRejected)
		h, _, mc := newTestHandler(p)

		w := httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))
		assertError(t, w, http.StatusUnauthorized, "Token exchange failed")
		if mc.Releases != 0 {
			t.Errorf("releases: expected 0, got %d", mc.Releases)
		}

		w = httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))
		assertError(t, w, http.StatusBadRequest, "Authorization code already used")
	})

	t.Run("cache failure lets the callback through", func(t *testing.T) {
		h, _, mc := newTestHandler(newMockProvider())
		mc.ClaimErr = errors.New("redis down")
		w := httptest.NewRecorder()
		h.ZitadelCallback(w, callbackReq(`{"code":"abc123"}`, "", testVerifier))
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d (%s)", w.Code, w.Body.String())
		}
	})
}

// --- ZitadelCallbackRedirect ---

func TestZitadelCallbackRedirect(t *testing.T) {
	getReq := func(query string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/auth/zitadel/callback?"+query, nil)
		r.AddCookie(&http.Cookie{Name: verifierCookieName, Value: testVerifier})
		return r
	}

	t.Run("success redirects with tokens", func(t *testing.T) {
		h, ms, _ := newTestHandler(newMockProvider())
		h.FrontendCallbackURL = "https://shop.test/auth/done?from=zitadel"
		w := httptest.NewRecorder()
		h.ZitadelCallbackRedirect(w, getReq("code=abc123&state=s"))

		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d (%s)", w.Code, w.Body.String())
		}
		loc, err := url.Parse(w.Header().Get("Location"))
		if err != nil {
			t.Fatalf("parsing Location: %v", err)
		}
		if loc.Host != "shop.test" || loc.Path != "/auth/done" {
			t.Errorf("Location: got %s", loc)
		}
		q := loc.Query()
		if q.Get("from") != "zitadel" {
			t.Error("existing query parameter dropped")
		}
		if q.Get("access_token") != "T" || q.Get("id_token") != "I" || q.Get("refresh_token") != "R" || q.Get("expires_in") != "3600" {
			t.Errorf("token params: got %v", q)
		}
		if q.Get("user_id") != ms.Users["u1"].ID.String() {
			t.Errorf("user_id: expected %s, got %q", ms.Users["u1"].ID, q.Get("user_id"))
		}
		assertClearedAuthCookies(t, w)
	})

	t.Run("failure redirects with error params", func(t *testing.T) {
		p := newMockProvider()
		p.exchangeErr = oauth.ErrTokenRejected
		h, _, _ := newTestHandler(p)
		h.FrontendCallbackURL = "https://shop.test/auth/done"
		w := httptest.NewRecorder()
		h.ZitadelCallbackRedirect(w, getReq("code=abc123"))

		if w.Code != http.StatusFound {
			t.Fatalf("status: expected 302, got %d", w.Code)
		}
		loc, _ := url.Parse(w.Header().Get("Location"))
		if got := loc.Query().Get("error"); got != "token_exchange_failed" {
			t.Errorf("error: expected token_exchange_failed, got %q", got)
		}
		if got := loc.Query().Get("error_description"); got != "Token exchange failed" {
			t.Errorf("error_description: got %q", got)
		}
		if loc.Query().Get("access_token") != "" {
			t.Error("access_token present on failure")
		}
	})

	t.Run("provider denial is forwarded", func(t *testing.T) {
		p := newMockProvider()
		h, _, _ := newTestHandler(p)
		h.FrontendCallbackURL = "https://shop.test/auth/done"
		w := httptest.NewRecorder()
		h.ZitadelCallbackRedirect(w, getReq("error=access_denied&error_description=User+cancelled"))

		loc, _ := url.Parse(w.Header().Get("Location"))
		if loc.Query().Get("error") != "access_denied" || loc.Query().Get("error_description") != "User cancelled" {
			t.Errorf("Location: got %s", loc)
		}
		if p.exchangeCalls != 0 {
			t.Error("exchange should not run on provider denial")
		}
	})

	t.Run("no frontend url answers json", func(t *testing.T) {
		h, _, _ := newTestHandler(newMockProvider())
		w := httptest.NewRecorder()
		h.ZitadelCallbackRedirect(w, getReq("code=abc123"))
		if w.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", w.Code)
		}
		if body := decodeCallback(t, w); body.AccessToken != "T" {
			t.Errorf("accessToken: expected T, got %q", body.AccessToken)
		}

		w = httptest.NewRecorder()
		h.ZitadelCallbackRedirect(w, getReq(""))
		assertError(t, w, http.StatusBadRequest, "Missing authorization code")
	})
}

// --- upsertZitadelUser ---

func TestUpsertZitadelUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/auth/zitadel-callback", nil)

	t.Run("concurrent first login falls back to update", func(t *testing.T) {
		h, ms, _ := newTestHandler(nil)
		ms.CreateRace = true
		info := newMockProvider().info

		u, err := h.upsertZitadelUser(req, info)
		if err != nil {
			t.Fatalf("upsertZitadelUser: %v", err)
		}
		if u.ZitadelID != "u1" {
			t.Errorf("ZitadelID: expected u1, got %q", u.ZitadelID)
		}
		if ms.Creates != 1 || ms.Updates != 1 {
			t.Errorf("store calls: creates=%d updates=%d", ms.Creates, ms.Updates)
		}
		if len(ms.Users) != 1 {
			t.Errorf("users: expected exactly 1 row, got %d", len(ms.Users))
		}
	})

	t.Run("missing name falls back to given and family name", func(t *testing.T) {
		h, _, _ := newTestHandler(nil)
		u, err := h.upsertZitadelUser(req, &oauth.UserInfo{Sub: "u2", GivenName: "Solo"})
		if err != nil {
			t.Fatalf("upsertZitadelUser: %v", err)
		}
		if u.Name == nil || *u.Name != "Solo" {
			t.Errorf("Name: expected Solo, got %v", u.Name)
		}
		if u.Email != nil {
			t.Errorf("Email: expected nil, got %v", *u.Email)
		}
	})

	t.Run("update error is returned", func(t *testing.T) {
		h, ms, _ := newTestHandler(nil)
		ms.Users["u1"] = &store.User{ID: uuid.Must(uuid.NewV7()), ZitadelID: "u1"}
		ms.UpdateUserErr = errors.New("deadlock")
		if _, err := h.upsertZitadelUser(req, newMockProvider().info); err == nil {
			t.Fatal("expected error")
		}
	})
}
