// Package main is the entrypoint for the LinkPulse click worker.
// It consumes click events from the broker and applies them to the
// per-link counters in Postgres.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "go.uber.org/automaxprocs"

	"github.com/linkpulse/linkpulse/internal/analytics"
	"github.com/linkpulse/linkpulse/internal/broker"
	"github.com/linkpulse/linkpulse/internal/config"
	"github.com/linkpulse/linkpulse/internal/handler"
	"github.com/linkpulse/linkpulse/internal/logging"
	"github.com/linkpulse/linkpulse/internal/metrics"
	"github.com/linkpulse/linkpulse/internal/middleware"
	"github.com/linkpulse/linkpulse/internal/repository"
	"github.com/linkpulse/linkpulse/internal/server"
)

func main() {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

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

	conn, err := broker.Dial(broker.Config{
		URL:              cfg.RabbitMQURL,
		ConnectionName:   cfg.BrokerConnectionName + "-worker",
		Heartbeat:        cfg.BrokerHeartbeat,
		AutoRecovery:     cfg.BrokerAutoRecovery,
		RecoveryInterval: cfg.BrokerRecoveryInterval,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to broker",
			slog.String("error", logging.SanitizeError(err, cfg.RabbitMQURL)),
			slog.String("rabbitmq_url", logging.RedactURL(cfg.RabbitMQURL)),
		)
		repo.Close()
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewPrometheus(registry)

	supervisor := analytics.NewSupervisor(conn, cfg.ClickQueueName, logger)
	counter := repository.NewClickCounter(repo, cfg.ClickDedupEnabled)
	worker := analytics.NewWorker(supervisor, counter, analytics.WorkerConfig{
		HealthInterval: cfg.ConsumerHealthInterval,
		RetryInterval:  cfg.ConsumerRetryInterval,
		ProcessTimeout: cfg.ConsumerProcessTimeout,
		CloseTimeout:   cfg.BrokerCloseTimeout,
		Retry: analytics.RetryStrategy{
			MaxRetries:   cfg.StoreRetryAttempts,
			InitialDelay: cfg.StoreRetryInitialDelay,
			MaxDelay:     cfg.StoreRetryMaxDelay,
		},
	}, logger, recorder)

	healthHandler := handler.NewHealthHandler(
		handler.Check{Name: "postgres", Checker: repo},
		handler.Check{Name: "rabbitmq", Checker: conn},
		handler.Check{Name: "consumer", Checker: worker},
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer(logger))
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Method(http.MethodGet, "/metrics", handler.NewMetricsHandler(registry))

	srv := server.New(r, server.Options{
		Port:            cfg.WorkerPort,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)

	pruneCtx, stopPruner := context.WithCancel(ctx)
	pruneDone := make(chan struct{})

	// Released in reverse: consumer, pruner, broker, postgres.
	srv.OnShutdown("postgres", func(ctx context.Context) error {
		repo.Close()
		return nil
	})
	srv.OnShutdown("broker", conn.Close)
	srv.OnShutdown("dedup-pruner", func(ctx context.Context) error {
		stopPruner()
		select {
		case <-pruneDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	srv.OnShutdown("click-consumer", worker.Shutdown)

	if cfg.ClickDedupEnabled {
		go func() {
			defer close(pruneDone)
			analytics.RunPruner(pruneCtx, repo, cfg.ClickDedupPruneEvery, cfg.ClickDedupRetention, logger)
		}()
	} else {
		close(pruneDone)
	}

	workerErr := make(chan error, 1)
	go func() {
		err := worker.Run(ctx)
		workerErr <- err
		if err != nil {
			cancel(err)
		}
	}()

	logger.Info("starting click worker",
		"ops_port", cfg.WorkerPort,
		"click_queue", cfg.ClickQueueName,
		"dedup", cfg.ClickDedupEnabled,
		"env", cfg.AppEnv,
	)

	runErr := srv.Run(ctx)

	var exitErr error
	select {
	case err := <-workerErr:
		exitErr = err
	default:
	}
	if err := errors.Join(exitErr, runErr); err != nil {
		logger.Error("click worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("click worker stopped")
}
