// Package main is the long-running host for the taskward agent.
//
// It loads configuration, wires the storage, calendar, and email gateways,
// and drives the tick reconciler on a cron schedule. A small chi router
// exposes a health endpoint for container orchestrators.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM):
// the cron scheduler stops accepting ticks, in-flight ticks drain, and the
// health server shuts down.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"taskward/internal/config"
	"taskward/internal/db"
	"taskward/internal/external"
	"taskward/internal/feed"
	"taskward/internal/litestore"
	"taskward/internal/scheduler"
	"taskward/internal/types"
)

// tickTimeout bounds a single reconciliation cycle so a hung upstream cannot
// stall the schedule indefinitely.
const tickTimeout = 5 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("taskward ticker starting",
		"config", cfg.String(),
		"schedule", cfg.TickSchedule,
	)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runStore, summaryStore, closeStores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStores()

	events, err := buildEventSource(cfg, logger)
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Email.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sender, err := external.NewSESSender(awsCfg, external.SESSenderConfig{
		FromAddress:   cfg.Email.FromAddress,
		FromName:      cfg.Email.FromName,
		ConfigSetName: cfg.Email.ConfigSet,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("creating email sender: %w", err)
	}

	runs := scheduler.NewRunManager(runStore, logger)
	digest := scheduler.NewDigestGate(scheduler.DigestGateConfig{
		Runs:        runs,
		SummaryLog:  summaryStore,
		Email:       sender,
		Location:    loc,
		SummaryHour: cfg.SummaryHour,
		Recipient:   cfg.Email.ToAddress,
		Logger:      logger,
	})

	lookback, lookahead := cfg.Window()
	reconciler := scheduler.NewReconciler(scheduler.ReconcilerConfig{
		Events:      events,
		Runs:        runs,
		Digest:      digest,
		Handler:     newLoggingHandler(logger),
		Lookback:    lookback,
		Lookahead:   lookahead,
		MaxParallel: cfg.MaxParallelEvents,
		Logger:      logger,
	})

	c := cron.New()
	if _, err := c.AddFunc(cfg.TickSchedule, func() {
		tickCtx, cancel := context.WithTimeout(context.Background(), tickTimeout)
		defer cancel()
		if _, err := reconciler.HandleTick(tickCtx, time.Now().UTC()); err != nil {
			logger.Error("tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("registering tick schedule %q: %w", cfg.TickSchedule, err)
	}
	c.Start()

	srv := newHealthServer(cfg.HealthPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
			stop()
		}
	}()

	logger.Info("taskward ticker running", "health_port", cfg.HealthPort)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	// Stop scheduling new ticks and wait for the in-flight one to finish.
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown incomplete", "error", err)
	}

	logger.Info("taskward ticker stopped")
	return nil
}

// buildStores selects the run/summary storage per the configured driver:
// a pgx pool in production, a single-file SQLite database for single-node
// deployments.
func buildStores(ctx context.Context, cfg *config.Config) (scheduler.TaskRunStore, scheduler.SummaryLogStore, func(), error) {
	switch cfg.Database.Driver {
	case "sqlite":
		store, err := litestore.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return store, store, func() { _ = store.Close() }, nil

	default:
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parsing database URL: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.MaxConns)
		poolCfg.MinConns = int32(cfg.Database.MinConns)
		poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating database pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("pinging database: %w", err)
		}
		return db.NewTaskRunRepository(pool), db.NewSummaryLogRepository(pool), pool.Close, nil
	}
}

// buildEventSource selects the Event Gateway per the configured provider.
func buildEventSource(cfg *config.Config, logger *slog.Logger) (scheduler.EventSource, error) {
	switch cfg.Calendar.Provider {
	case "ics":
		return feed.NewFeedSource(feed.FeedSourceConfig{
			URL:    cfg.Calendar.FeedURL,
			Client: &http.Client{Timeout: cfg.Calendar.Timeout},
			Logger: logger,
		}), nil

	default:
		return external.NewCalendarClient(
			&http.Client{Timeout: cfg.Calendar.Timeout},
			external.CalendarClientConfig{
				BaseURL:    cfg.Calendar.BaseURL,
				APIKey:     cfg.Calendar.APIKey,
				CalendarID: cfg.Calendar.CalendarID,
				Logger:     logger,
			},
		), nil
	}
}

// newLoggingHandler returns the default task handler. Deployments embedding
// taskward as a library supply their own TaskHandler; the standalone binary
// records each execution in the log and succeeds.
func newLoggingHandler(logger *slog.Logger) scheduler.TaskHandler {
	return scheduler.TaskHandlerFunc(func(ctx context.Context, event types.CalendarEvent, run types.TaskRun) error {
		logger.InfoContext(ctx, "executing task",
			"run_id", run.ID,
			"event_id", event.ID,
			"title", event.Title,
			"scheduled_start", event.Start.Format(time.RFC3339),
		)
		return nil
	})
}

// newHealthServer builds the chi router serving liveness checks.
func newHealthServer(port string) *http.Server {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}
