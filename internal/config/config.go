package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	minSigningKeyBytes = 32

	minAccessTokenTTL = 1 * time.Minute
	maxAccessTokenTTL = 2 * time.Hour

	minTwoFactorTTL = 1 * time.Minute
	maxTwoFactorTTL = 30 * time.Minute
)

// ProviderConfig holds the OAuth2 settings for one external provider. A
// provider is enabled when its client ID is set.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
}

// Config holds the application configuration. Every field is validated by
// Load; an invalid configuration is a startup-fatal error, never a
// per-request failure.
type Config struct {
	DatabaseURL string
	Port        string
	RedisURL    string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	AccessTokenTTL       time.Duration
	SessionRefreshTTL    time.Duration
	PersistentRefreshTTL time.Duration

	TwoFactorTTL         time.Duration
	TwoFactorMaxAttempts int
	RecoveryCodeCount    int

	SecureCookies bool
	CookieDomain  string

	OIDCProvider    ProviderConfig
	ProfileProvider ProviderConfig
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 envOr("PORT", "8080"),
		RedisURL:             os.Getenv("REDIS_URL"),
		JWTIssuer:            envOr("JWT_ISSUER", "authcore"),
		JWTAudience:          envOr("JWT_AUDIENCE", "authcore-api"),
		CookieDomain:         os.Getenv("COOKIE_DOMAIN"),
		SecureCookies:        envOr("SECURE_COOKIES", "true") == "true",
		TwoFactorMaxAttempts: 5,
		RecoveryCodeCount:    10,
		OIDCProvider: ProviderConfig{
			ClientID:     os.Getenv("OIDC_CLIENT_ID"),
			ClientSecret: os.Getenv("OIDC_CLIENT_SECRET"),
		},
		ProfileProvider: ProviderConfig{
			ClientID:     os.Getenv("PROFILE_CLIENT_ID"),
			ClientSecret: os.Getenv("PROFILE_CLIENT_SECRET"),
		},
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if len(cfg.JWTSecret) < minSigningKeyBytes {
		return nil, fmt.Errorf("JWT_SECRET must be at least %d bytes, got %d", minSigningKeyBytes, len(cfg.JWTSecret))
	}

	var err error
	if cfg.AccessTokenTTL, err = envDuration("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.AccessTokenTTL < minAccessTokenTTL || cfg.AccessTokenTTL > maxAccessTokenTTL {
		return nil, fmt.Errorf("ACCESS_TOKEN_TTL must be between %v and %v, got %v", minAccessTokenTTL, maxAccessTokenTTL, cfg.AccessTokenTTL)
	}

	if cfg.SessionRefreshTTL, err = envDuration("SESSION_REFRESH_TTL", 12*time.Hour); err != nil {
		return nil, err
	}
	if cfg.PersistentRefreshTTL, err = envDuration("PERSISTENT_REFRESH_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SessionRefreshTTL <= 0 || cfg.PersistentRefreshTTL <= 0 {
		return nil, fmt.Errorf("refresh token lifetimes must be positive")
	}
	if cfg.SessionRefreshTTL > cfg.PersistentRefreshTTL {
		return nil, fmt.Errorf("SESSION_REFRESH_TTL (%v) must not exceed PERSISTENT_REFRESH_TTL (%v)", cfg.SessionRefreshTTL, cfg.PersistentRefreshTTL)
	}

	if cfg.TwoFactorTTL, err = envDuration("TWO_FACTOR_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.TwoFactorTTL < minTwoFactorTTL || cfg.TwoFactorTTL > maxTwoFactorTTL {
		return nil, fmt.Errorf("TWO_FACTOR_TTL must be between %v and %v, got %v", minTwoFactorTTL, maxTwoFactorTTL, cfg.TwoFactorTTL)
	}

	if v := os.Getenv("TWO_FACTOR_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("TWO_FACTOR_MAX_ATTEMPTS must be a positive integer, got %q", v)
		}
		cfg.TwoFactorMaxAttempts = n
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like \"15m\" or \"720h\": %w", key, err)
	}
	return d, nil
}
