// Package main is the entrypoint for the LinkPulse API server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"

	"github.com/linkpulse/linkpulse/internal/analytics"
	"github.com/linkpulse/linkpulse/internal/broker"
	"github.com/linkpulse/linkpulse/internal/cache"
	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/handler"
	"github.com/linkpulse/linkpulse/internal/logging"
	"github.com/linkpulse/linkpulse/internal/metrics"
	"github.com/linkpulse/linkpulse/internal/middleware"
	"github.com/linkpulse/linkpulse/internal/repository"
	"github.com/linkpulse/linkpulse/internal/server"
	"github.com/linkpulse/linkpulse/internal/service"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.MigrateOnStart {
		if err := repository.Migrate(cfg.DatabaseURL, logger); err != nil {
			logger.Error("failed to run migrations",
				slog.String("error", logging.SanitizeError(err, cfg.DatabaseURL)),
			)
			os.Exit(1)
		}
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL, repository.PoolOptions{
		MaxConns: cfg.DatabaseMaxConns,
		MinConns: cfg.DatabaseMinConns,
	})
	if err != nil {
		logger.Error("failed to connect to database",
			slog.String("error", logging.SanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", logging.RedactURL(cfg.DatabaseURL)),
		)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Redis is optional; redirects read Postgres directly without it.
	var (
		cacheClient *cache.Cache
		linkCache   service.LinkCache
		redisCheck  handler.HealthChecker
	)
	if cfg.RedisURL != "" {
		cacheClient, err = cache.New(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to Redis",
				slog.String("error", logging.SanitizeError(err, cfg.RedisURL)),
				slog.String("redis_url", logging.RedactURL(cfg.RedisURL)),
			)
			repo.Close()
			os.Exit(1)
		}
		linkCache, redisCheck = cacheClient, cacheClient
		logger.Info("connected to Redis")
	}

	conn, err := broker.Dial(broker.Config{
		URL:              cfg.RabbitMQURL,
		ConnectionName:   cfg.BrokerConnectionName + "-api",
		Heartbeat:        cfg.BrokerHeartbeat,
		AutoRecovery:     cfg.BrokerAutoRecovery,
		RecoveryInterval: cfg.BrokerRecoveryInterval,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to broker",
			slog.String("error", logging.SanitizeError(err, cfg.RabbitMQURL)),
			slog.String("rabbitmq_url", logging.RedactURL(cfg.RabbitMQURL)),
		)
		closeStores(repo, cacheClient)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheus(registry)

	publisher, err := analytics.NewPublisher(ctx, conn, cfg.ClickQueueName, logger, recorder)
	if err != nil {
		logger.Error("failed to start click publisher", "error", err)
		_ = conn.Close(ctx)
		closeStores(repo, cacheClient)
		os.Exit(1)
	}
	publisher.SetPublishTimeout(cfg.ClickPublishTimeout)

	linkService := service.NewLinkService(repo, linkCache, cfg.BaseURL, logger, recorder)

	h := handler.New()
	healthHandler := handler.NewHealthHandler(
		handler.Check{Name: "postgres", Checker: repo},
		handler.Check{Name: "redis", Checker: redisCheck},
		handler.Check{Name: "rabbitmq", Checker: conn},
	)
	linkHandler := handler.NewLinkHandler(linkService, logger)
	redirectHandler := handler.NewRedirectHandler(linkService, publisher, logger)

	r := setupRouter(h, healthHandler, linkHandler, redirectHandler, handler.NewMetricsHandler(registry), cfg, logger)

	srv := server.New(r, server.Options{
		Port:            cfg.AppPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	// Released in reverse: publisher, broker, redis, postgres.
	srv.OnShutdown("postgres", func(ctx context.Context) error {
		repo.Close()
		return nil
	})
	if cacheClient != nil {
		srv.OnShutdown("redis", func(ctx context.Context) error {
			return cacheClient.Close()
		})
	}
	srv.OnShutdown("broker", conn.Close)
	srv.OnShutdown("click-publisher", publisher.Close)

	logger.Info("starting server",
		"port", cfg.AppPort,
		"base_url", cfg.BaseURL,
		"env", cfg.AppEnv,
		"click_queue", cfg.ClickQueueName,
	)

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(
	h *handler.Handler,
	healthHandler *handler.HealthHandler,
	linkHandler *handler.LinkHandler,
	redirectHandler *handler.RedirectHandler,
	metricsHandler http.Handler,
	cfg *config.Config,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/api/urls", func(r chi.Router) {
		r.Use(middleware.APIHeaders(cfg.IsProduction()))
		r.Use(middleware.MaxBodySize(maxAPIBodyBytes))

		r.Post("/", linkHandler.Shorten)
		r.Get("/{shortCode}/stats", linkHandler.Stats)
	})

	r.Get("/a/{shortCode}", redirectHandler.Redirect)

	r.NotFound(h.NotFound)
	r.MethodNotAllowed(h.MethodNotAllowed)

	return r
}

const maxAPIBodyBytes = 64 << 10

func closeStores(repo *repository.Repository, cacheClient *cache.Cache) {
	if cacheClient != nil {
		_ = cacheClient.Close()
	}
	repo.Close()
}
