// Package main is the entrypoint for the taskward tick Lambda function.
//
// The function is invoked on a fixed schedule by an EventBridge rule. Each
// invocation runs exactly one reconciliation cycle: fetch the events due in
// the window, ensure one run record per occurrence, execute due work, and
// give the digest gate a chance to send the day's summary.
//
// This file handles dependency wiring (cold start) and delegates all business
// logic to the internal/scheduler package.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskward/internal/config"
	"taskward/internal/db"
	"taskward/internal/external"
	"taskward/internal/feed"
	"taskward/internal/scheduler"
	"taskward/internal/types"
)

// TickInput is the optional invocation payload. Now overrides the tick
// instant for backfill and replay scenarios; when absent the current UTC
// time is used.
type TickInput struct {
	Now *time.Time `json:"now,omitempty"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("ticker Lambda initializing (cold start)")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Error("failed to load timezone", "timezone", cfg.Timezone, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// The Lambda deployment always runs against Postgres; SQLite is a
	// single-node concern with no durable filesystem here.
	pool, err := pgxpool.New(ctx, cfg.Database.URL.Unmask())
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	var events scheduler.EventSource
	switch cfg.Calendar.Provider {
	case "ics":
		events = feed.NewFeedSource(feed.FeedSourceConfig{
			URL:    cfg.Calendar.FeedURL,
			Client: &http.Client{Timeout: cfg.Calendar.Timeout},
			Logger: logger,
		})
	default:
		events = external.NewCalendarClient(
			&http.Client{Timeout: cfg.Calendar.Timeout},
			external.CalendarClientConfig{
				BaseURL:    cfg.Calendar.BaseURL,
				APIKey:     cfg.Calendar.APIKey,
				CalendarID: cfg.Calendar.CalendarID,
				Logger:     logger,
			},
		)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Email.Region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	sender, err := external.NewSESSender(awsCfg, external.SESSenderConfig{
		FromAddress:   cfg.Email.FromAddress,
		FromName:      cfg.Email.FromName,
		ConfigSetName: cfg.Email.ConfigSet,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to create email sender", "error", err)
		os.Exit(1)
	}

	runs := scheduler.NewRunManager(db.NewTaskRunRepository(pool), logger)
	digest := scheduler.NewDigestGate(scheduler.DigestGateConfig{
		Runs:        runs,
		SummaryLog:  db.NewSummaryLogRepository(pool),
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
		Handler:     loggingHandler(logger),
		Lookback:    lookback,
		Lookahead:   lookahead,
		MaxParallel: cfg.MaxParallelEvents,
		Logger:      logger,
	})

	logger.Info("ticker Lambda initialized", "config", cfg.String())

	lambda.Start(newHandler(reconciler, logger))
}

// newHandler creates the Lambda handler that runs one reconciliation cycle
// per invocation.
func newHandler(reconciler *scheduler.Reconciler, logger *slog.Logger) func(ctx context.Context, input TickInput) (string, error) {
	return func(ctx context.Context, input TickInput) (string, error) {
		now := time.Now().UTC()
		if input.Now != nil {
			now = input.Now.UTC()
			logger.InfoContext(ctx, "tick instant overridden by input",
				"now", now.Format(time.RFC3339),
			)
		}

		result, err := reconciler.HandleTick(ctx, now)
		if err != nil {
			logger.ErrorContext(ctx, "tick failed", "error", err)
			return "", fmt.Errorf("tick failed: %w", err)
		}

		msg := fmt.Sprintf("tick complete: %d checked, %d due, %d created, %d failed",
			result.CheckedEvents, result.DueEvents, result.CreatedRuns, result.FailedRuns)
		if result.Summary != nil && result.Summary.Sent {
			msg += ", summary sent"
		}
		return msg, nil
	}
}

// loggingHandler is the default task handler for the standalone deployment.
func loggingHandler(logger *slog.Logger) scheduler.TaskHandler {
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
