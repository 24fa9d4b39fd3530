// callback.go -- Authorization code callback: exchange, userinfo, local user upsert.
package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MGallo-Code/storefront-auth/internal/oauth"
	"github.com/MGallo-Code/storefront-auth/internal/store"
)

// callbackInput is what the client sends back from the provider redirect.
type callbackInput struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// loginResult is the outcome of a successful callback.
type loginResult struct {
	User   *store.User
	Tokens *oauth.TokenSet
}

// callbackResponse is the JSON body of a successful POST callback.
type callbackResponse struct {
	Success      bool         `json:"success"`
	User         userResponse `json:"user"`
	AccessToken  string       `json:"accessToken"`
	IDToken      string       `json:"idToken,omitempty"`
	RefreshToken string       `json:"refreshToken,omitempty"`
	ExpiresIn    int64        `json:"expiresIn,omitempty"`
}

// ZitadelCallback handles POST /api/auth/zitadel-callback.
// Accepts {code, state} as JSON, form data, or query parameters.
func (h *AuthHandler) ZitadelCallback(w http.ResponseWriter, r *http.Request) {
	in, err := readCallbackInput(r)
	if err != nil {
		writeFailure(w, r, "zitadel callback: bad input", err)
		return
	}

	res, err := h.completeLogin(w, r, in)
	if err != nil {
		writeFailure(w, r, "zitadel callback failed", err)
		return
	}
	writeJSON(w, http.StatusOK, newCallbackResponse(res))
}

// ZitadelCallbackRedirect handles GET /api/auth/zitadel/callback, the redirect_uri
// the provider sends the browser to. Redirects on to FrontendCallbackURL with
// tokens (or error details) in the query; answers JSON when none is configured.
func (h *AuthHandler) ZitadelCallbackRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := callbackInput{Code: q.Get("code"), State: q.Get("state")}

	// Provider-side denial (user cancelled, consent refused).
	if providerErr := q.Get("error"); providerErr != "" && in.Code == "" {
		h.clearAuthCookies(w)
		logWarn(r, "zitadel callback: provider returned error", "error", providerErr, "description", q.Get("error_description"))
		if h.FrontendCallbackURL == "" {
			BadRequest(w, r, "Authorization denied")
			return
		}
		target, err := withQuery(h.FrontendCallbackURL, url.Values{
			"error":             {providerErr},
			"error_description": {q.Get("error_description")},
		})
		if err != nil {
			InternalServerError(w, r, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	res, err := h.completeLogin(w, r, in)
	if h.FrontendCallbackURL == "" {
		if err != nil {
			writeFailure(w, r, "zitadel callback failed", err)
			return
		}
		writeJSON(w, http.StatusOK, newCallbackResponse(res))
		return
	}
	if err != nil {
		redirectFailure(w, r, h.FrontendCallbackURL, "zitadel callback failed", err)
		return
	}

	target, err := withQuery(h.FrontendCallbackURL, url.Values{
		"access_token":  {res.Tokens.AccessToken},
		"id_token":      {res.Tokens.IDToken},
		"refresh_token": {res.Tokens.RefreshToken},
		"expires_in":    {expiresIn(res.Tokens.ExpiresIn)},
		"user_id":       {res.User.ID.String()},
	})
	if err != nil {
		InternalServerError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// completeLogin runs the callback state machine shared by both callback routes.
// The PKCE cookies are cleared on every outcome.
func (h *AuthHandler) completeLogin(w http.ResponseWriter, r *http.Request, in callbackInput) (*loginResult, error) {
	verifier := cookieValue(r, verifierCookieName)
	stateCookie := cookieValue(r, stateCookieName)
	h.clearAuthCookies(w)

	if in.Code == "" {
		return nil, ErrMissingCode
	}
	if verifier == "" {
		return nil, ErrMissingVerifier
	}
	if h.Provider == nil {
		return nil, configErr(h.ProviderErr)
	}

	stateOK := stateCookie != "" && subtle.ConstantTimeCompare([]byte(stateCookie), []byte(in.State)) == 1
	if !stateOK {
		if h.EnforceState {
			return nil, ErrStateMismatch
		}
		logDebug(r, "zitadel callback: state not verified", "cookie_present", stateCookie != "", "state_present", in.State != "")
	}

	claimKey := codeClaimKey(in.Code)
	if err := h.claimCode(r, claimKey); err != nil {
		return nil, err
	}

	tokens, err := h.Provider.Exchange(r.Context(), in.Code, verifier)
	if err != nil {
		if networkFailure(err) {
			h.releaseCode(r, claimKey)
		}
		return nil, fmt.Errorf("exchanging code: %w", err)
	}
	info, err := h.Provider.UserInfo(r.Context(), tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}
	user, err := h.upsertZitadelUser(r, info)
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}

	logInfo(r, "zitadel user logged in", "user_id", user.ID)
	return &loginResult{User: user, Tokens: tokens}, nil
}

// codeClaimKey derives the replay guard key for an authorization code.
func codeClaimKey(code string) string {
	sum := sha256.Sum256([]byte(code))
	return "code:" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// claimCode marks the authorization code used so a replayed callback is rejected
// before reaching the provider. Cache failures are logged and let through.
func (h *AuthHandler) claimCode(r *http.Request, key string) error {
	if h.RS == nil {
		return nil
	}
	err := h.RS.ClaimOnce(r.Context(), key, h.cookieMaxAge())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAlreadyClaimed):
		return ErrCodeReplayed
	default:
		logWarn(r, "zitadel callback: replay guard unavailable", "error", err)
		return nil
	}
}

// releaseCode gives the code back when the exchange may never have reached
// Zitadel, so the client can retry with it.
func (h *AuthHandler) releaseCode(r *http.Request, key string) {
	if h.RS == nil {
		return
	}
	// Detached from the request, which may already be past its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := h.RS.ReleaseClaim(ctx, key); err != nil {
		logWarn(r, "zitadel callback: releasing code claim failed", "error", err)
	}
}

// networkFailure reports whether err is a timeout or transport failure, as
// opposed to an answer from the token endpoint.
func networkFailure(err error) bool {
	if errors.Is(err, oauth.ErrTokenRejected) {
		return false
	}
	return errors.Is(err, oauth.ErrTokenExchangeTimeout) || errors.Is(err, oauth.ErrTokenExchangeFailed)
}

// maxCallbackBody caps an untyped callback body.
const maxCallbackBody = 64 << 10

// readCallbackInput reads {code, state} from a JSON or form body, falling back to the query string.
// An untyped or text/plain body is tried as JSON and ignored if it isn't.
func readCallbackInput(r *http.Request) (callbackInput, error) {
	var in callbackInput
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
			return in, fmt.Errorf("%w: %w", ErrBadRequestBody, err)
		}
	case "", "text/plain":
		// fetch() with a string body and no headers sends text/plain.
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
		if err != nil {
			return in, fmt.Errorf("%w: %w", ErrBadRequestBody, err)
		}
		if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &in) != nil {
			in = callbackInput{}
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		in.Code = r.PostFormValue("code")
		in.State = r.PostFormValue("state")
	}
	q := r.URL.Query()
	if in.Code == "" {
		in.Code = q.Get("code")
	}
	if in.State == "" {
		in.State = q.Get("state")
	}
	return in, nil
}

func newCallbackResponse(res *loginResult) callbackResponse {
	return callbackResponse{
		Success:      true,
		User:         newUserResponse(res.User),
		AccessToken:  res.Tokens.AccessToken,
		IDToken:      res.Tokens.IDToken,
		RefreshToken: res.Tokens.RefreshToken,
		ExpiresIn:    res.Tokens.ExpiresIn,
	}
}

// expiresIn formats seconds for a query string; zero means unknown and is omitted.
func expiresIn(secs int64) string {
	if secs <= 0 {
		return ""
	}
	return strconv.FormatInt(secs, 10)
}
