// config.go

// Environment variable loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all env configuration vars for the auth service.
type Config struct {
	DatabaseURL string
	RedisURL    string // optional; empty disables replay guard + rate limiting
	Port        string
	LogLevel    slog.Level

	Zitadel ZitadelConfig

	// FrontendCallbackURL is where the GET callback variant redirects with tokens or errors.
	// Empty means the GET callback answers with JSON like the POST variant.
	FrontendCallbackURL string

	// LoginRedirect makes the login endpoint answer with a 302 instead of {authUrl, state}.
	LoginRedirect bool

	// EnforceState rejects callbacks whose state doesn't match the zitadel_state cookie.
	// Default false.
	EnforceState bool

	// CookieSecure adds the Secure attribute to the state/verifier cookies.
	CookieSecure bool

	// Cookie lifetime for state + verifier. Default 300s.
	CookieMaxAge time.Duration

	// Lengths of generated state and PKCE verifier. Defaults 32 and 64.
	StateLength    int
	VerifierLength int

	// Rate limit policy for auth endpoints per client IP.
	// Defaults: max=30, window=1m, lockout=5m.
	RateAuthIPMax     int
	RateAuthIPWindow  time.Duration
	RateAuthIPLockout time.Duration
}

// ZitadelConfig holds identity provider settings. None are required at boot;
// missing values surface per request as a configuration error.
type ZitadelConfig struct {
	APIURL       string
	ClientID     string
	ClientSecret string // optional; set only for confidential clients
	RedirectURI  string

	TokenTimeout  time.Duration // default 12s, covers all attempts
	TokenAttempts int           // default 3
	TokenBackoff  time.Duration // default 250ms, multiplied by attempt number

	ForceIPv4     bool
	VerifyIDToken bool
}

// ErrMissingZitadelConfig is returned by ZitadelConfig.Validate when required settings are absent.
var ErrMissingZitadelConfig = errors.New("missing zitadel configuration")

// Missing returns the env var names of required provider settings that are empty.
func (z ZitadelConfig) Missing() []string {
	var missing []string
	if z.APIURL == "" {
		missing = append(missing, "ZITADEL_API_URL")
	}
	if z.ClientID == "" {
		missing = append(missing, "ZITADEL_CLIENT_ID")
	}
	if z.RedirectURI == "" {
		missing = append(missing, "ZITADEL_REDIRECT_URI")
	}
	return missing
}

// Validate returns ErrMissingZitadelConfig naming every absent setting, or nil.
func (z ZitadelConfig) Validate() error {
	if missing := z.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingZitadelConfig, strings.Join(missing, ", "))
	}
	return nil
}

// LoadConfig reads environment variables (after loading .env if present) and returns a validated Config.
// Returns an error if DATABASE_URL is missing.
func LoadConfig() (*Config, error) {
	// .env is a convenience for local runs; real env vars win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "error", err)
	}

	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "3000"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.Zitadel = ZitadelConfig{
		APIURL:        strings.TrimRight(os.Getenv("ZITADEL_API_URL"), "/"),
		ClientID:      os.Getenv("ZITADEL_CLIENT_ID"),
		ClientSecret:  os.Getenv("ZITADEL_CLIENT_SECRET"),
		RedirectURI:   os.Getenv("ZITADEL_REDIRECT_URI"),
		TokenTimeout:  envDuration("ZITADEL_TOKEN_TIMEOUT", 12*time.Second),
		TokenAttempts: envInt("ZITADEL_TOKEN_ATTEMPTS", 3),
		TokenBackoff:  envDuration("ZITADEL_TOKEN_BACKOFF", 250*time.Millisecond),
		ForceIPv4:     envBool("ZITADEL_FORCE_IPV4", false),
		VerifyIDToken: envBool("ZITADEL_VERIFY_ID_TOKEN", false),
	}

	// HTTPS only -- tokens ride in the redirect query string.
	cfg.FrontendCallbackURL = os.Getenv("FRONTEND_CALLBACK_URL")
	if cfg.FrontendCallbackURL != "" &&
		!strings.HasPrefix(cfg.FrontendCallbackURL, "https://") &&
		!strings.HasPrefix(cfg.FrontendCallbackURL, "http://localhost") {
		return nil, fmt.Errorf("FRONTEND_CALLBACK_URL must start with https:// (or http://localhost)")
	}

	switch strings.ToLower(os.Getenv("LOGIN_RESPONSE")) {
	case "", "json":
		cfg.LoginRedirect = false
	case "redirect":
		cfg.LoginRedirect = true
	default:
		return nil, fmt.Errorf("LOGIN_RESPONSE must be json or redirect")
	}

	cfg.EnforceState = envBool("ZITADEL_ENFORCE_STATE", false)
	cfg.CookieSecure = envBool("COOKIE_SECURE", false)
	cfg.CookieMaxAge = envDuration("AUTH_COOKIE_MAX_AGE", 300*time.Second)
	cfg.StateLength = envInt("STATE_LENGTH", 32)
	cfg.VerifierLength = envInt("CODE_VERIFIER_LENGTH", 64)
	if cfg.VerifierLength < 43 || cfg.VerifierLength > 128 {
		return nil, fmt.Errorf("CODE_VERIFIER_LENGTH must be between 43 and 128")
	}

	cfg.RateAuthIPMax = envInt("RATE_AUTH_IP_MAX", 30)
	cfg.RateAuthIPWindow = envDuration("RATE_AUTH_IP_WINDOW", 1*time.Minute)
	cfg.RateAuthIPLockout = envDuration("RATE_AUTH_IP_LOCKOUT", 5*time.Minute)

	return cfg, nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var with strconv.ParseBool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
