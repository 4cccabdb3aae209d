package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quota-backend/internal/api/handlers"
	"quota-backend/internal/api/routes"
	"quota-backend/internal/config"
	"quota-backend/internal/repository"
	"quota-backend/pkg/cleanup"
	"quota-backend/pkg/database"
	"quota-backend/pkg/jwt"
	"quota-backend/pkg/ratelimit"
	"quota-backend/pkg/redis"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// backend bundles the stores selected by STORE_BACKEND
type backend struct {
	store  ratelimit.CounterStore
	bans   ratelimit.BanRegistry
	checks map[string]handlers.HealthCheck
	close  func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := ratelimit.DefaultRegistry()
	engineCfg := cfg.EngineConfig()

	be, err := openBackend(ctx, cfg, ratelimit.MaxRetention(registry, engineCfg), logger)
	if err != nil {
		logger.Error("failed to open store backend", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer be.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := ratelimit.NewEngine(be.store, be.bans, registry, engineCfg,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(ratelimit.NewMetrics(reg)),
	)

	sweeper := cleanup.NewSweeper(engine, cfg.SweepInterval, logger, reg)
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.LogLevel > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	routes.SetupRoutes(router, routes.Dependencies{
		Engine:   engine,
		JWT:      jwt.NewJWTUtil(cfg.JWTSecret, cfg.JWTExpiry),
		Health:   handlers.NewHealthHandler(be.checks),
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:   logger,
		IPLimit:  cfg.RateLimit.IPLimit,
		IPWindow: cfg.RateLimit.IPWindow,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "backend", cfg.StoreBackend, "mode", engine.Mode())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// openBackend opens the configured stores. retention is the longest any counter record
// must survive, used as the Redis key TTL.
func openBackend(ctx context.Context, cfg *config.Config, retention time.Duration, logger *slog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store := ratelimit.NewMemoryStore()
		return &backend{store: store, bans: store, checks: map[string]handlers.HealthCheck{}, close: func() {}}, nil

	case config.BackendRedis:
		client := redis.NewClient(cfg.Redis, logger)
		store := ratelimit.NewRedisStore(client.GetClient(), cfg.Redis.KeyPrefix, retention)
		return &backend{
			store:  store,
			bans:   store,
			checks: map[string]handlers.HealthCheck{"redis": handlers.RedisCheck(client)},
			close: func() {
				if err := client.Close(); err != nil {
					logger.Warn("redis close failed", "error", err)
				}
			},
		}, nil

	case config.BackendMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := database.Connect(connectCtx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		return &backend{
			store: repository.NewCounterRepository(db),
			bans:  repository.NewBanRepository(db),
			checks: map[string]handlers.HealthCheck{
				"mongodb": handlers.PingCheck("mongodb", func(ctx context.Context) error { return database.Health(ctx, db) }),
			},
			close: func() {
				if err := database.Disconnect(db.Client()); err != nil {
					logger.Warn("mongodb disconnect failed", "error", err)
				}
			},
		}, nil

	case config.BackendPostgres, config.BackendSQLite:
		db, dialect, err := database.OpenSQL(ctx, cfg.StoreBackend, cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			return nil, err
		}
		counters, err := repository.NewSQLCounterRepository(db, dialect)
		if err != nil {
			db.Close()
			return nil, err
		}
		bans, err := repository.NewSQLBanRepository(db, dialect)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &backend{
			store: counters,
			bans:  bans,
			checks: map[string]handlers.HealthCheck{
				dialect: handlers.PingCheck(dialect, func(ctx context.Context) error { return database.SQLHealth(ctx, db) }),
			},
			close: func() { db.Close() },
		}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{
			"Content-Length",
			ratelimit.HeaderLimit,
			ratelimit.HeaderRemaining,
			ratelimit.HeaderReset,
			ratelimit.HeaderRetryAfter,
		},
		MaxAge: 12 * time.Hour,
	}

	// Wildcard origin for development
	if len(origins) == 1 && origins[0] == "*" {
		c.AllowAllOrigins = true
		c.AllowCredentials = false
	} else {
		c.AllowOrigins = origins
		c.AllowCredentials = true
	}
	return c
}
