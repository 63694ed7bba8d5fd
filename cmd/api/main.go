package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"github.com/halcyonlabs/authcore/internal/audit"
	"github.com/halcyonlabs/authcore/internal/auth"
	"github.com/halcyonlabs/authcore/internal/cache"
	"github.com/halcyonlabs/authcore/internal/clock"
	"github.com/halcyonlabs/authcore/internal/config"
	"github.com/halcyonlabs/authcore/internal/db"
	httprouter "github.com/halcyonlabs/authcore/internal/http"
	"github.com/halcyonlabs/authcore/internal/http/handlers"
	"github.com/halcyonlabs/authcore/internal/provider"
	"github.com/halcyonlabs/authcore/internal/repo"
	"github.com/halcyonlabs/authcore/internal/token"

	_ "github.com/lib/pq"
)

// purgeInterval drives the retention sweep for expired refresh tokens and
// challenges. Expired rows are inert; the sweep only bounds table growth.
const (
	purgeInterval = time.Hour
	purgeGrace    = 24 * time.Hour
)

func main() {
	_ = godotenv.Load(".env")

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	codec, err := token.NewCodec([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTokenTTL, clock.System{})
	if err != nil {
		logger.Error("failed to build token codec", "error", err)
		os.Exit(1)
	}

	var invalidator cache.Invalidator = cache.Noop{}
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		invalidator = redisCache
	}

	dispatcher := audit.NewDispatcher(audit.SlogSink{Logger: logger}, 256)
	defer dispatcher.Close()

	svc := auth.NewService(auth.Deps{
		Users:      repo.NewUserRepo(database),
		Tokens:     repo.NewRefreshTokenRepo(database),
		Challenges: repo.NewChallengeRepo(database),
		Recovery:   repo.NewRecoveryCodeRepo(database),
		Providers:  buildProviders(cfg),
		Codec:      codec,
		Audit:      dispatcher,
		Cache:      invalidator,
		Logger:     logger,
		Options: auth.Options{
			SessionRefreshTTL:    cfg.SessionRefreshTTL,
			PersistentRefreshTTL: cfg.PersistentRefreshTTL,
			ChallengeTTL:         cfg.TwoFactorTTL,
			MaxChallengeAttempts: cfg.TwoFactorMaxAttempts,
			RecoveryCodeCount:    cfg.RecoveryCodeCount,
			TOTPIssuer:           cfg.JWTIssuer,
		},
	})

	authHandler := handlers.NewAuthHandler(svc, cfg.SecureCookies, cfg.CookieDomain, logger)
	defer authHandler.Close()
	healthHandler := handlers.NewHealthHandler(database)

	router := httprouter.NewRouter(authHandler, healthHandler, svc)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runRetentionSweep(sweepCtx, svc, logger)

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

// buildProviders registers every externally configured identity provider.
// A provider without a client ID stays unregistered.
func buildProviders(cfg *config.Config) *provider.Registry {
	var providers []provider.Provider
	if cfg.OIDCProvider.ClientID != "" {
		providers = append(providers, provider.NewOIDC(provider.OIDCConfig{
			Name:         "oidc",
			DisplayName:  envOr("OIDC_DISPLAY_NAME", "OpenID Connect"),
			ClientID:     cfg.OIDCProvider.ClientID,
			ClientSecret: cfg.OIDCProvider.ClientSecret,
			AuthURL:      os.Getenv("OIDC_AUTH_URL"),
			TokenURL:     os.Getenv("OIDC_TOKEN_URL"),
			UserInfoURL:  os.Getenv("OIDC_USERINFO_URL"),
		}))
	}
	if cfg.ProfileProvider.ClientID != "" {
		providers = append(providers, provider.NewProfileAPI(provider.ProfileConfig{
			Name:         "profile",
			DisplayName:  envOr("PROFILE_DISPLAY_NAME", "Developer Hub"),
			ClientID:     cfg.ProfileProvider.ClientID,
			ClientSecret: cfg.ProfileProvider.ClientSecret,
			AuthURL:      os.Getenv("PROFILE_AUTH_URL"),
			TokenURL:     os.Getenv("PROFILE_TOKEN_URL"),
			ProfileURL:   os.Getenv("PROFILE_PROFILE_URL"),
			EmailsURL:    os.Getenv("PROFILE_EMAILS_URL"),
		}))
	}
	return provider.NewRegistry(providers...)
}

func runRetentionSweep(ctx context.Context, svc *auth.Service, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeExpired(ctx, purgeGrace)
			if err != nil {
				logger.Warn("retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("retention sweep", "purged", n)
			}
		}
	}
}

// runMigrations applies the SQL migrations with goose.
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the repo root)")
	}
	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
