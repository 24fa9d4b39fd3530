// zitadel.go -- Zitadel OAuth2 + OIDC provider implementation.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Zitadel endpoint paths, relative to the instance base URL.
const (
	authorizePath = "/oauth/v2/authorize"
	tokenPath     = "/oauth/v2/token"
	userInfoPath  = "/oauth/v2/userinfo"
	revokePath    = "/oauth/v2/revoke"
)

// maxResponseBytes caps how much of an upstream body is read.
const maxResponseBytes = 1 << 20

// ZitadelConfig holds the settings needed to talk to a Zitadel instance.
type ZitadelConfig struct {
	APIURL      string
	ClientID    string
	RedirectURI string

	// ClientSecret switches the token request to confidential-client mode when set.
	// Empty means public client; PKCE alone authenticates the exchange.
	ClientSecret string

	Retry RetryPolicy

	// ForceIPv4 restricts outbound dials to tcp4.
	ForceIPv4 bool

	// VerifyIDToken enables OIDC discovery at construction and signature/aud/exp
	// checks on every id_token returned by Exchange.
	VerifyIDToken bool
}

// ZitadelProvider implements Provider against a Zitadel instance.
// Safe for concurrent use; holds no per-request state.
type ZitadelProvider struct {
	config     *oauth2.Config
	baseURL    string
	retry      RetryPolicy
	httpClient *http.Client
	userInfo   *oidc.Provider
	verifier   *oidc.IDTokenVerifier
}

// Option customizes a ZitadelProvider.
type Option func(*ZitadelProvider)

// WithHTTPClient replaces the outbound HTTP client (tests inject fake transports here).
func WithHTTPClient(c *http.Client) Option {
	return func(p *ZitadelProvider) { p.httpClient = c }
}

// NewZitadelProvider builds a provider from cfg. When cfg.VerifyIDToken is set it
// fetches the instance's OIDC discovery document, so it makes an outbound request.
func NewZitadelProvider(ctx context.Context, cfg ZitadelConfig, opts ...Option) (*ZitadelProvider, error) {
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" || cfg.ClientID == "" || cfg.RedirectURI == "" {
		return nil, fmt.Errorf("zitadel: api url, client id and redirect uri are required")
	}

	// client_id always travels in the form; client_secret only when set.
	endpoint := oauth2.Endpoint{
		AuthURL:   base + authorizePath,
		TokenURL:  base + tokenPath,
		AuthStyle: oauth2.AuthStyleInParams,
	}
	p := &ZitadelProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		baseURL:    base,
		retry:      cfg.Retry.normalized(),
		httpClient: newHTTPClient(cfg.ForceIPv4),
	}
	for _, opt := range opts {
		opt(p)
	}

	// Userinfo lives at a fixed path, so the endpoint set is built without discovery.
	p.userInfo = (&oidc.ProviderConfig{
		IssuerURL:   base,
		AuthURL:     endpoint.AuthURL,
		TokenURL:    endpoint.TokenURL,
		UserInfoURL: base + userInfoPath,
	}).NewProvider(oidc.ClientContext(ctx, p.httpClient))

	if cfg.VerifyIDToken {
		op, err := oidc.NewProvider(oidc.ClientContext(ctx, p.httpClient), base)
		if err != nil {
			return nil, fmt.Errorf("zitadel oidc discovery: %w", err)
		}
		p.verifier = op.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}
	return p, nil
}

// AuthCodeURL builds the authorize URL. An empty codeChallenge omits the PKCE parameters.
func (p *ZitadelProvider) AuthCodeURL(state, codeChallenge string) string {
	if codeChallenge == "" {
		return p.config.AuthCodeURL(state)
	}
	return p.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades an authorization code for tokens, retrying transient network
// failures per the provider's RetryPolicy. The id_token is verified when enabled.
func (p *ZitadelProvider) Exchange(ctx context.Context, code, codeVerifier string) (*TokenSet, error) {
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tokens, err := p.retrieve(ctx, "authorization_code", func(ctx context.Context) (*oauth2.Token, error) {
		return p.config.Exchange(ctx, code, opts...)
	})
	if err != nil {
		return nil, err
	}
	if err := p.verifyIDToken(ctx, tokens.IDToken); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Refresh trades a refresh token for a new token set under the same retry policy.
func (p *ZitadelProvider) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	return p.retrieve(ctx, "refresh_token", func(ctx context.Context) (*oauth2.Token, error) {
		return p.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	})
}

// UserInfo fetches claims with the access token as a bearer credential.
// Any non-200 status or undecodable body yields ErrUserInfoFetch.
func (p *ZitadelProvider) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.retry.Timeout)
	defer cancel()

	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	ui, err := p.userInfo.UserInfo(oidc.ClientContext(ctx, p.httpClient), src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUserInfoFetch, err)
	}

	var raw json.RawMessage
	if err := ui.Claims(&raw); err != nil {
		return nil, fmt.Errorf("%w: reading claims: %w", ErrUserInfoFetch, err)
	}
	var info UserInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %w", ErrUserInfoFetch, err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("%w: response has no sub", ErrUserInfoFetch)
	}
	info.EmailVerified = ui.EmailVerified
	info.Raw = raw
	return &info, nil
}

// Revoke invalidates token at the provider (RFC 7009).
func (p *ZitadelProvider) Revoke(ctx context.Context, token string) error {
	ctx, cancel := context.WithTimeout(ctx, p.retry.Timeout)
	defer cancel()

	form := url.Values{
		"token":     {token},
		"client_id": {p.config.ClientID},
	}
	if p.config.ClientSecret != "" {
		form.Set("client_secret", p.config.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+revokePath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("revoke: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("revoke: status %d: %s", resp.StatusCode, snippet(body))
	}
	return nil
}

// retrieve runs fetch under the retry policy. The whole sequence of attempts and
// backoff sleeps shares one deadline of p.retry.Timeout.
func (p *ZitadelProvider) retrieve(ctx context.Context, grant string, fetch func(context.Context) (*oauth2.Token, error)) (*TokenSet, error) {
	ctx, cancel := context.WithTimeout(ctx, p.retry.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	var lastErr error
	for attempt := 1; attempt <= p.retry.Attempts; attempt++ {
		tok, err := fetch(ctx)
		if err == nil {
			return newTokenSet(tok), nil
		}
		if deadlineHit(ctx) {
			return nil, fmt.Errorf("%w: after %d attempt(s)", ErrTokenExchangeTimeout, attempt)
		}

		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			return nil, fmt.Errorf("%w: %s", ErrTokenRejected, rejection(rerr))
		}
		// Transport failures reach us as *url.Error; anything else came from the body.
		var uerr *url.Error
		if !errors.As(err, &uerr) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTokenResponse, err)
		}

		lastErr = err
		if attempt < p.retry.Attempts && IsTransient(err) {
			slog.Warn("token request failed, retrying",
				"grant_type", grant, "attempt", attempt, "max_attempts", p.retry.Attempts, "error", err)
			if !p.retry.wait(ctx, attempt) {
				if deadlineHit(ctx) {
					return nil, fmt.Errorf("%w: during backoff after attempt %d", ErrTokenExchangeTimeout, attempt)
				}
				return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, ctx.Err())
			}
			continue
		}
		return nil, fmt.Errorf("%w: attempt %d: %w", ErrTokenExchangeFailed, attempt, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, lastErr)
}

// newTokenSet copies tok into a TokenSet, pulling id_token from the raw response.
func newTokenSet(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
		TokenType:    tok.TokenType,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	if ts.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		ts.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	return ts
}

// rejection summarizes a token endpoint error response.
func rejection(rerr *oauth2.RetrieveError) string {
	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	if rerr.ErrorCode != "" {
		return fmt.Sprintf("status %d: %s", status, rerr.ErrorCode)
	}
	return fmt.Sprintf("status %d: %s", status, snippet(rerr.Body))
}

// verifyIDToken checks rawIDToken when a verifier is configured. No-op otherwise.
func (p *ZitadelProvider) verifyIDToken(ctx context.Context, rawIDToken string) error {
	if p.verifier == nil {
		return nil
	}
	if rawIDToken == "" {
		return fmt.Errorf("%w: no id_token in token response", ErrInvalidIDToken)
	}
	if _, err := p.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), rawIDToken); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
	}
	return nil
}

// newHTTPClient returns a client with a 10s connect timeout, optionally dialing IPv4 only.
func newHTTPClient(forceIPv4 bool) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if forceIPv4 && strings.HasPrefix(network, "tcp") {
			network = "tcp4"
		}
		return dialer.DialContext(ctx, network, addr)
	}
	return &http.Client{Transport: transport}
}

// deadlineHit reports whether ctx ended because its deadline passed.
func deadlineHit(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// snippet trims an upstream body for error messages.
func snippet(b []byte) string {
	const max = 256
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
