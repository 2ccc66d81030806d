// Package scheduler implements the reconciliation core of the taskward
// agent: the run lifecycle manager that keeps exactly one task run per
// event occurrence, the timezone-aware digest gate that emails a daily
// summary at most once per local day, and the tick reconciler that drives
// both on every invocation of the periodic cycle.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskward/internal/types"
)

// TaskRunStore abstracts the durable run ledger operations the lifecycle
// manager needs. Using an interface allows clean testing without database
// dependencies; it is satisfied by both the pgx and sqlite repositories.
type TaskRunStore interface {
	// Create inserts a new run record. A duplicate dedup key must surface
	// as ErrCodeConflictDuplicateRun, enforced by a storage-level unique
	// constraint rather than an application check.
	Create(ctx context.Context, run *types.TaskRun) error
	// FindByEventAndStart returns the run keyed by (eventID, start), or
	// (nil, nil) when none exists.
	FindByEventAndStart(ctx context.Context, eventID string, start time.Time) (*types.TaskRun, error)
	// UpdateStatus overwrites status and optional fields, bumping
	// updated_at. Returns (nil, nil) when the id does not resolve.
	UpdateStatus(ctx context.Context, input types.RunStatusUpdate) (*types.TaskRun, error)
	// ListByDateRange returns runs with scheduled_start in [start, end]
	// inclusive, ordered ascending by scheduled_start.
	ListByDateRange(ctx context.Context, start, end time.Time) ([]types.TaskRun, error)
}

// UpdateOpts carries the optional fields of a status transition.
type UpdateOpts struct {
	Summary *string
	Error   *string
}

// RunManager owns the dedup-and-create and status-transition contract over
// the run store. It never deletes runs; retention is an external concern.
type RunManager struct {
	store  TaskRunStore
	logger *slog.Logger
}

// NewRunManager creates a RunManager over the given store.
func NewRunManager(store TaskRunStore, logger *slog.Logger) *RunManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunManager{store: store, logger: logger}
}

// CreateRunIfMissing ensures exactly one run record exists for the event's
// (id, start) occurrence. It returns (nil, nil) when the occurrence is
// already tracked: either found by the lookup fast path or lost to a
// concurrent insert race, which the store reports as a duplicate conflict.
// A new run starts in RunPending with the trimmed event description as its
// initial summary.
func (m *RunManager) CreateRunIfMissing(ctx context.Context, event types.CalendarEvent) (*types.TaskRun, error) {
	existing, err := m.store.FindByEventAndStart(ctx, event.ID, event.Start)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, nil
	}

	run := &types.TaskRun{
		ID:              "run_" + uuid.NewString(),
		CalendarEventID: event.ID,
		ScheduledStart:  event.Start,
		Status:          types.RunPending,
		Summary:         strings.TrimSpace(event.Description),
	}

	if err := m.store.Create(ctx, run); err != nil {
		if types.IsCode(err, types.ErrCodeConflictDuplicateRun) {
			// A concurrent tick inserted between our lookup and create.
			m.logger.InfoContext(ctx, "run already created by concurrent tick",
				"event_id", event.ID,
				"scheduled_start", event.Start.Format(time.RFC3339),
			)
			return nil, nil
		}
		return nil, err
	}

	return run, nil
}

// UpdateStatus transitions the run to the given status, applying any
// optional summary/error fields. Returns (nil, nil) when the id does not
// resolve; callers treat that as a silent no-op upstream.
func (m *RunManager) UpdateStatus(ctx context.Context, id string, status types.RunStatus, opts UpdateOpts) (*types.TaskRun, error) {
	return m.store.UpdateStatus(ctx, types.RunStatusUpdate{
		ID:      id,
		Status:  status,
		Summary: opts.Summary,
		Error:   opts.Error,
	})
}

// ListRunsBetween returns the runs scheduled in [start, end] inclusive,
// ordered ascending by scheduled start. Used by the digest gate.
func (m *RunManager) ListRunsBetween(ctx context.Context, start, end time.Time) ([]types.TaskRun, error) {
	return m.store.ListByDateRange(ctx, start, end)
}
