package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/storefront-auth/internal/auth"
	"github.com/MGallo-Code/storefront-auth/internal/config"
	"github.com/MGallo-Code/storefront-auth/internal/oauth"
	"github.com/MGallo-Code/storefront-auth/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// cache is what the handler needs from Redis, or NoopCache when Redis is not configured.
type cache interface {
	auth.Cache
	auth.RateLimiter
}

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Redis is optional; without it there is no replay guard or rate limiting.
	var rc cache = store.NoopCache{}
	if cfg.RedisURL != "" {
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
		rc = store.NewRedisStore(rdb)
	} else {
		slog.Warn("REDIS_URL not set, code replay guard and rate limiting disabled")
	}

	h := newAuthHandler(ctx, cfg, ps, rc)

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{Handler: buildRouter(h)}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("storefront-auth listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting conns, waits for in-flight requests, gives up after 30s.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// newAuthHandler maps config onto an AuthHandler. Incomplete Zitadel settings
// don't stop the server; login and callback report them per request instead.
func newAuthHandler(ctx context.Context, cfg *config.Config, ps auth.Store, rc cache) *auth.AuthHandler {
	h := &auth.AuthHandler{
		PS:                  ps,
		RS:                  rc,
		RL:                  rc,
		FrontendCallbackURL: cfg.FrontendCallbackURL,
		LoginRedirect:       cfg.LoginRedirect,
		EnforceState:        cfg.EnforceState,
		CookieSecure:        cfg.CookieSecure,
		CookieMaxAge:        cfg.CookieMaxAge,
		StateLength:         cfg.StateLength,
		VerifierLength:      cfg.VerifierLength,
		AuthRateLimit: store.RateLimit{
			MaxAttempts: cfg.RateAuthIPMax,
			Window:      cfg.RateAuthIPWindow,
			LockoutTTL:  cfg.RateAuthIPLockout,
		},
	}

	z := cfg.Zitadel
	if err := z.Validate(); err != nil {
		slog.Warn("zitadel provider disabled", "error", err)
		h.ProviderErr = err
		return h
	}
	provider, err := oauth.NewZitadelProvider(ctx, oauth.ZitadelConfig{
		APIURL:       z.APIURL,
		ClientID:     z.ClientID,
		ClientSecret: z.ClientSecret,
		RedirectURI:  z.RedirectURI,
		Retry: oauth.RetryPolicy{
			Attempts: z.TokenAttempts,
			Backoff:  z.TokenBackoff,
			Timeout:  z.TokenTimeout,
		},
		ForceIPv4:     z.ForceIPv4,
		VerifyIDToken: z.VerifyIDToken,
	})
	if err != nil {
		slog.Error("zitadel provider setup failed", "error", err)
		h.ProviderErr = err
		return h
	}
	h.Provider = provider
	slog.Info("zitadel provider configured",
		"api_url", z.APIURL,
		"confidential_client", z.ClientSecret != "",
		"verify_id_token", z.VerifyIDToken,
	)
	return h
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)

	r.Route("/api/auth", func(r chi.Router) {
		// Per-IP limit on everything that reaches the provider.
		r.Group(func(r chi.Router) {
			r.Use(h.RateLimitIP("auth_ip"))
			r.Get("/zitadel/login", h.ZitadelLogin)
			r.Get("/zitadel-login", h.ZitadelLogin)
			r.Post("/zitadel-callback", h.ZitadelCallback)
			r.Get("/zitadel/callback", h.ZitadelCallbackRedirect)
			r.Post("/refresh", h.Refresh)
		})
		r.Post("/logout", h.Logout)

		// Bearer token required
		r.Group(func(r chi.Router) {
			r.Use(h.RequireBearer)
			r.Get("/me", h.Me)
		})
	})

	return r
}
