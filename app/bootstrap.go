package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"portfolio-api/internal/auth"
	"portfolio-api/internal/config"
	"portfolio-api/internal/connection"
	"portfolio-api/internal/db"
	"portfolio-api/internal/maintenance"
	"portfolio-api/internal/observability"
	"portfolio-api/internal/ratelimit"
	"portfolio-api/internal/secret"
	"portfolio-api/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  config.Config
	Handler http.Handler
	Sweeper *maintenance.Sweeper
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	database.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations || cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	limiterStore, bucketSweeper, closeStore, err := newLimiterStore(ctx, cfg)
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	codec, err := secret.NewCodec(cfg.EncryptionKey)
	if err != nil {
		_ = closeStore()
		_ = database.Close()
		return nil, fmt.Errorf("init secret codec: %w", err)
	}

	issuer, err := token.NewIssuer(cfg.JWTSecret, cfg.AccessTokenTTL)
	if err != nil {
		_ = closeStore()
		_ = database.Close()
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	authRepo := auth.NewRepository(database)
	refreshStore := auth.NewRefreshTokenStore(authRepo, cfg.RefreshTokenTTL, auth.WithSweepBatchSize(cfg.CleanupBatchSize))
	authService := auth.NewService(authRepo, refreshStore, issuer)
	limiter := ratelimit.NewLimiter(limiterStore)

	cleaner := maintenance.NewCleaner(refreshStore, bucketSweeper, logger)

	deps := routeDeps{
		database: database,
		authHandler: auth.NewHandler(authService, auth.CookieConfig{
			Secure:     cfg.CookieSecure,
			AccessTTL:  cfg.AccessTokenTTL,
			RefreshTTL: cfg.RefreshTokenTTL,
		}, logger).WithAttemptReset(limiter, cfg.AuthPolicy()),
		connectionHandler: connection.NewHandler(connection.NewRepository(database, codec)),
		cleanupHandler:    maintenance.NewCleanupHandler(cleaner, cfg.CronSecret),
	}

	rateLimit := ratelimit.NewMiddleware(limiter, cfg.AuthPolicy(), cfg.APIPolicy(), authRateLimitedRoutes, logger)

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			rateLimit.Wrap(
				auth.Authenticate(issuer, authRepo, logger, newMux(deps)))))

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Sweeper: maintenance.NewSweeper(cleaner, cfg.RefreshSweepInterval),
		Close: func() error {
			observability.FlushSentry()
			storeErr := closeStore()
			if err := database.Close(); err != nil {
				return err
			}
			return storeErr
		},
	}, nil
}

// newLimiterStore picks a shared Redis store when one is configured so that
// every instance draws from the same buckets. The in-process store is swept by
// the maintenance loop; Redis expires its own keys.
func newLimiterStore(ctx context.Context, cfg config.Config) (ratelimit.Store, maintenance.BucketSweeper, func() error, error) {
	if cfg.RateLimitRedisURL == "" {
		store := ratelimit.NewMemoryStore(cfg.RateLimitMaxKeys)
		return store, store, func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RateLimitRedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse RATE_LIMIT_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("ping rate limit redis: %w", err)
	}

	return ratelimit.NewRedisStore(client, ""), nil, client.Close, nil
}

var authRateLimitedRoutes = []string{"/api/auth/login", "/api/auth/register"}

type routeDeps struct {
	database          *sql.DB
	authHandler       *auth.Handler
	connectionHandler *connection.Handler
	cleanupHandler    *maintenance.CleanupHandler
}

func newMux(deps routeDeps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", deps.authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", deps.authHandler.Login)
	mux.HandleFunc("POST /api/auth/refresh", deps.authHandler.Refresh)
	mux.HandleFunc("POST /api/auth/logout", deps.authHandler.Logout)

	mux.Handle("GET /api/users/me", auth.RequireIdentity(deps.authHandler.Me))
	mux.Handle("DELETE /api/users/me", auth.RequireIdentity(deps.authHandler.DeleteMe))

	mux.Handle("GET /api/connections", auth.RequireIdentity(deps.connectionHandler.List))
	mux.Handle("POST /api/connections", auth.RequireIdentity(deps.connectionHandler.Create))
	mux.Handle("GET /api/connections/{id}", auth.RequireIdentity(deps.connectionHandler.Get))
	mux.Handle("PUT /api/connections/{id}", auth.RequireIdentity(deps.connectionHandler.UpdateCredentials))
	mux.Handle("DELETE /api/connections/{id}", auth.RequireIdentity(deps.connectionHandler.Delete))

	mux.HandleFunc("GET /internal/maintenance/cleanup", deps.cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", deps.cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(deps.database))

	return mux
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// EnvBoolOrDefault is kept for entrypoints that decide options before Build.
func EnvBoolOrDefault(name string, fallback bool) bool {
	return config.EnvBoolOrDefault(name, fallback)
}
