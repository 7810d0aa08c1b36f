// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"portfolio-api/internal/ratelimit"
	"portfolio-api/internal/secret"
)

type Config struct {
	AppEnv     string
	Port       string
	SentryDSN  string
	CronSecret string

	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	RunMigrations     bool

	JWTSecret       string
	EncryptionKey   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CookieSecure    bool

	AuthRateLimitMax    int
	AuthRateLimitWindow time.Duration
	APIRateLimitMax     int
	APIRateLimitWindow  time.Duration
	RateLimitMaxKeys    int
	RateLimitRedisURL   string

	RefreshSweepInterval time.Duration
	CleanupBatchSize     int
}

// Load reads the environment and validates the result. Any error here must
// stop the process before it serves a request.
func Load() (Config, error) {
	cfg := Config{
		AppEnv:     envOrDefault("APP_ENV", "development"),
		Port:       envOrDefault("PORT", "8080"),
		SentryDSN:  strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		CronSecret: strings.TrimSpace(os.Getenv("CRON_SECRET")),

		DatabaseURL:       strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
		DBConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
		RunMigrations:     EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),

		JWTSecret:       strings.TrimSpace(os.Getenv("JWT_SECRET")),
		EncryptionKey:   strings.TrimSpace(os.Getenv("ENCRYPTION_KEY")),
		AccessTokenTTL:  envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		RefreshTokenTTL: envDaysOrDefault("REFRESH_TOKEN_TTL_DAYS", 7),
		CookieSecure:    EnvBoolOrDefault("COOKIE_SECURE", false),

		AuthRateLimitMax:    envIntOrDefault("AUTH_RATE_LIMIT_MAX", 5),
		AuthRateLimitWindow: envMinutesOrDefault("AUTH_RATE_LIMIT_WINDOW_MINUTES", 15),
		APIRateLimitMax:     envIntOrDefault("API_RATE_LIMIT_MAX", 100),
		APIRateLimitWindow:  envSecondsOrDefault("API_RATE_LIMIT_WINDOW_SECONDS", 60),
		RateLimitMaxKeys:    envIntOrDefault("RATE_LIMIT_MAX_KEYS", ratelimit.DefaultMaxKeys),
		RateLimitRedisURL:   strings.TrimSpace(os.Getenv("RATE_LIMIT_REDIS_URL")),

		RefreshSweepInterval: envMinutesOrDefault("REFRESH_SWEEP_INTERVAL_MINUTES", 60),
		CleanupBatchSize:     envIntOrDefault("AUTH_CLEANUP_BATCH_SIZE", 500),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("missing required env: DATABASE_URL"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	}
	if c.EncryptionKey == "" {
		errs = append(errs, errors.New("missing required env: ENCRYPTION_KEY"))
	} else if _, err := secret.NewCodec(c.EncryptionKey); err != nil {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY: %w", err))
	}
	if err := c.AuthPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.APIPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) AuthPolicy() ratelimit.Policy {
	return ratelimit.Policy{Scope: ratelimit.AuthPolicy.Scope, Capacity: c.AuthRateLimitMax, Window: c.AuthRateLimitWindow}
}

func (c Config) APIPolicy() ratelimit.Policy {
	return ratelimit.Policy{Scope: ratelimit.APIPolicy.Scope, Capacity: c.APIRateLimitMax, Window: c.APIRateLimitWindow}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
