/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the cash register API server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment (and .env when present)
  2. Open the store (SQLite file or PostgreSQL with migrations)
  3. Wire the optional Redis closing lock and Kafka closing events
  4. Bootstrap the first administrator
  5. Configure HTTP router and start the server

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close publisher, lock client and database
  4. Exit

ENVIRONMENT:
  See config/config.go. JWT_SECRET is required.

  # SQLite (default)
  JWT_SECRET=dev ./server

  # PostgreSQL with a shared closing lock
  DB_DRIVER=postgres PG_DSN=postgres://... REDIS_ADDR=localhost:6379 JWT_SECRET=... ./server

SEE ALSO:
  - api/server.go: router configuration
  - cmd/token: mints bearer tokens for local use
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/warp/cash-register/api"
	"github.com/warp/cash-register/config"
	"github.com/warp/cash-register/events"
	"github.com/warp/cash-register/lock/redislock"
	"github.com/warp/cash-register/register"
	"github.com/warp/cash-register/store/postgres"
	"github.com/warp/cash-register/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	opts := []register.Option{
		register.WithLogger(logger),
		register.WithLocation(loc),
		register.WithClosingDelete(cfg.AllowClosingDelete),
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		opts = append(opts, register.WithLocker(redislock.New(rdb, cfg.CloseLockTTL)))
		logger.Info("closing lock enabled", slog.String("redis", cfg.RedisAddr))
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		opts = append(opts, register.WithPublisher(publisher))
		logger.Info("closing events enabled", slog.String("topic", cfg.KafkaTopic))
	}

	svc := register.NewService(store, opts...)

	if cfg.BootstrapAdmin != "" {
		if _, err := svc.EnsureUser(ctx, register.OwnerID(cfg.BootstrapAdmin), register.RoleAdmin); err != nil {
			return err
		}
	}

	auth, err := api.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		return err
	}
	metrics := api.NewMetrics()
	router := api.NewRouter(api.NewHandler(svc, logger, metrics), api.RouterOptions{
		Auth:        auth,
		Logger:      logger,
		Metrics:     metrics,
		CORSOrigins: cfg.CORSOrigins,
		RateLimit:   cfg.CloseRateLimit,
		Production:  cfg.IsProduction(),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.AppAddr),
			slog.String("driver", cfg.DBDriver),
			slog.String("timezone", cfg.Timezone))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openStore opens the configured store and returns its close function.
func openStore(ctx context.Context, cfg *config.Config) (register.TxStore, func(), error) {
	switch cfg.DBDriver {
	case "postgres":
		if err := postgres.Migrate(cfg.PGDSN); err != nil {
			return nil, nil, err
		}
		store, err := postgres.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
}
