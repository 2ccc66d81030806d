// tick.go implements the tick reconciler, the top-level entry point of the
// reconciliation cycle. Each tick pulls the events due for action from the
// event source, ensures exactly one run record per event occurrence, drives
// each record through its execution state machine with per-event failure
// isolation, and finally gives the digest gate a chance to send the day's
// summary.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"taskward/internal/types"
)

// EventSource is the Event Gateway slice the reconciler consumes: events
// whose time window overlaps [start, end).
type EventSource interface {
	ListEventsBetween(ctx context.Context, start, end time.Time) ([]types.CalendarEvent, error)
}

// RunLifecycle is the slice of the run lifecycle manager the reconciler
// drives per due event.
type RunLifecycle interface {
	CreateRunIfMissing(ctx context.Context, event types.CalendarEvent) (*types.TaskRun, error)
	UpdateStatus(ctx context.Context, id string, status types.RunStatus, opts UpdateOpts) (*types.TaskRun, error)
}

// SummaryGate is the digest decision the reconciler invokes after event
// processing. Errors from it are converted into a non-sent SummaryResult,
// never propagated: the digest is best-effort relative to reconciliation.
type SummaryGate interface {
	MaybeSendSummary(ctx context.Context, now time.Time) (types.SummaryResult, error)
}

// TaskHandler performs the actual work for a due event. It is a pluggable
// strategy: the reconciler only observes success or failure, and any error
// is recorded as a failed run transition rather than propagated.
type TaskHandler interface {
	Execute(ctx context.Context, event types.CalendarEvent, run types.TaskRun) error
}

// TaskHandlerFunc adapts a plain function to the TaskHandler interface.
type TaskHandlerFunc func(ctx context.Context, event types.CalendarEvent, run types.TaskRun) error

// Execute implements TaskHandler.
func (f TaskHandlerFunc) Execute(ctx context.Context, event types.CalendarEvent, run types.TaskRun) error {
	return f(ctx, event, run)
}

// ReconcilerConfig holds the configuration for creating a Reconciler.
type ReconcilerConfig struct {
	Events  EventSource
	Runs    RunLifecycle
	Digest  SummaryGate
	Handler TaskHandler
	// Lookback and Lookahead bound the polling window around now.
	// Lookback must be positive, Lookahead non-negative; the config loader
	// validates both.
	Lookback  time.Duration
	Lookahead time.Duration
	// MaxParallel bounds per-event fan-out within one tick. Values below 1
	// are treated as 1 (sequential).
	MaxParallel int
	Logger      *slog.Logger
}

// Reconciler composes the event source, run lifecycle, task handler, and
// digest gate into one reconciliation cycle per tick.
type Reconciler struct {
	events      EventSource
	runs        RunLifecycle
	digest      SummaryGate
	handler     TaskHandler
	lookback    time.Duration
	lookahead   time.Duration
	maxParallel int
	logger      *slog.Logger
}

// NewReconciler creates a Reconciler with the given configuration.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxParallel := cfg.MaxParallel
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Reconciler{
		events:      cfg.Events,
		runs:        cfg.Runs,
		digest:      cfg.Digest,
		handler:     cfg.Handler,
		lookback:    cfg.Lookback,
		lookahead:   cfg.Lookahead,
		maxParallel: maxParallel,
		logger:      logger,
	}
}

// eventOutcome is the per-event tag collected by the fan-out. Counts are
// reduced over these after all events finish, so no shared mutable counter
// is ever incremented concurrently.
type eventOutcome struct {
	created bool
	failed  bool
}

// HandleTick runs one reconciliation cycle at now.
//
// It returns an error only when the initial window fetch fails; without the
// event list no correct decision is possible. Per-event failures are
// isolated and counted, and a digest failure is folded into the result.
func (r *Reconciler) HandleTick(ctx context.Context, now time.Time) (types.TickResult, error) {
	windowStart := now.Add(-r.lookback)
	windowEnd := now.Add(r.lookahead)

	events, err := r.events.ListEventsBetween(ctx, windowStart, windowEnd)
	if err != nil {
		return types.TickResult{}, fmt.Errorf("fetching events in window: %w", err)
	}

	var due []types.CalendarEvent
	for _, event := range events {
		if !event.Start.After(now) {
			due = append(due, event)
		}
	}

	result := types.TickResult{
		CheckedEvents: len(events),
		DueEvents:     len(due),
	}

	// Fan out per due event. Each event has a distinct dedup key and no
	// shared mutable state, so outcomes land in an index-addressed slice
	// and are reduced after Wait.
	outcomes := make([]eventOutcome, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel)
	for i, event := range due {
		g.Go(func() error {
			outcomes[i] = r.processEvent(gctx, event)
			return nil
		})
	}
	// processEvent never returns an error; per-event failures must not
	// abort processing of the remaining events.
	_ = g.Wait()

	for _, outcome := range outcomes {
		if outcome.created {
			result.CreatedRuns++
		}
		if outcome.failed {
			result.FailedRuns++
		}
	}

	summary, err := r.digest.MaybeSendSummary(ctx, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "daily summary attempt failed",
			"error", err,
		)
		summary = types.SummaryResult{Sent: false, Reason: err.Error()}
	}
	result.Summary = &summary

	r.logger.InfoContext(ctx, "tick complete",
		"checked_events", result.CheckedEvents,
		"due_events", result.DueEvents,
		"created_runs", result.CreatedRuns,
		"failed_runs", result.FailedRuns,
		"summary_sent", summary.Sent,
	)

	return result, nil
}

// processEvent drives one due event through dedup-create, execution, and
// the terminal status transition. It never returns an error: every failure
// is logged and reflected in the outcome tag so one event can never abort
// its siblings.
func (r *Reconciler) processEvent(ctx context.Context, event types.CalendarEvent) eventOutcome {
	run, err := r.runs.CreateRunIfMissing(ctx, event)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to create run for event",
			"event_id", event.ID,
			"scheduled_start", event.Start.Format(time.RFC3339),
			"error", err,
		)
		return eventOutcome{}
	}
	if run == nil {
		// Already tracked by an earlier tick; nothing to do.
		return eventOutcome{}
	}

	outcome := eventOutcome{created: true}

	if _, err := r.runs.UpdateStatus(ctx, run.ID, types.RunRunning, UpdateOpts{}); err != nil {
		// A persistence failure on the running transition does not block
		// execution; the work itself is still attempted and the terminal
		// transition will record the outcome.
		r.logger.ErrorContext(ctx, "failed to mark run running",
			"run_id", run.ID,
			"error", err,
		)
	}

	if execErr := r.handler.Execute(ctx, event, *run); execErr != nil {
		outcome.failed = true
		msg := execErr.Error()
		if _, err := r.runs.UpdateStatus(ctx, run.ID, types.RunFailed, UpdateOpts{Error: &msg}); err != nil {
			r.logger.ErrorContext(ctx, "failed to mark run failed",
				"run_id", run.ID,
				"error", err,
			)
		}
		r.logger.WarnContext(ctx, "task execution failed",
			"run_id", run.ID,
			"event_id", event.ID,
			"error", execErr,
		)
		return outcome
	}

	summary := run.Summary
	if summary == "" {
		summary = event.Title
	}
	if _, err := r.runs.UpdateStatus(ctx, run.ID, types.RunCompleted, UpdateOpts{Summary: &summary}); err != nil {
		// The work succeeded; a storage failure recording that fact is a
		// persistence problem, not an execution failure, and must not
		// count against FailedRuns.
		r.logger.ErrorContext(ctx, "failed to persist completed status",
			"run_id", run.ID,
			"error", err,
		)
	}

	return outcome
}
