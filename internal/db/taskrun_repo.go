package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"taskward/internal/types"
)

// TaskRunRepository provides data access for the task_runs table.
//
// Schema contract: task_runs carries a UNIQUE constraint on
// (calendar_event_id, scheduled_start). That constraint, not the
// application-level lookup that precedes Create, is the real dedup
// guarantee: two concurrent ticks can both observe "missing" before either
// inserts, and the second insert must fail.
//
//	CREATE TABLE task_runs (
//	  id                TEXT PRIMARY KEY,
//	  calendar_event_id TEXT NOT NULL,
//	  scheduled_start   TIMESTAMPTZ NOT NULL,
//	  status            TEXT NOT NULL,
//	  summary           TEXT,
//	  error             TEXT,
//	  created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	  UNIQUE (calendar_event_id, scheduled_start)
//	);
type TaskRunRepository struct {
	db DBTX
}

// NewTaskRunRepository creates a new TaskRunRepository backed by the given
// database connection (pool or transaction).
func NewTaskRunRepository(db DBTX) *TaskRunRepository {
	return &TaskRunRepository{db: db}
}

// Create inserts a new task run record. The caller must set the ID
// (prefixed UUID, e.g. "run_...") and the dedup key fields. A unique
// constraint violation on (calendar_event_id, scheduled_start) maps to
// ErrCodeConflictDuplicateRun so callers can treat a lost insert race as
// "already tracked".
func (r *TaskRunRepository) Create(ctx context.Context, run *types.TaskRun) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO task_runs
		 (id, calendar_event_id, scheduled_start, status, summary, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()), COALESCE($7, NOW()))
		 RETURNING created_at, updated_at`,
		run.ID,
		run.CalendarEventID,
		run.ScheduledStart,
		string(run.Status),
		nilIfEmpty(run.Summary),
		nilIfEmpty(run.Error),
		nilIfZeroTime(run.CreatedAt),
	)
	if err := row.Scan(&run.CreatedAt, &run.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicateRun,
				"task run already exists for event occurrence", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create task run", err)
	}
	return nil
}

// FindByEventAndStart looks up a run by its dedup key. Returns (nil, nil)
// when no run exists for the pair.
func (r *TaskRunRepository) FindByEventAndStart(ctx context.Context, eventID string, start time.Time) (*types.TaskRun, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, calendar_event_id, scheduled_start, status,
		        COALESCE(summary, ''), COALESCE(error, ''), created_at, updated_at
		 FROM task_runs
		 WHERE calendar_event_id = $1 AND scheduled_start = $2`,
		eventID,
		start,
	)

	run, err := scanTaskRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find task run", err)
	}
	return run, nil
}

// UpdateStatus overwrites the run's status and any provided optional fields
// and bumps updated_at. Returns (nil, nil) when the id does not resolve;
// callers treat that as a silent no-op rather than a fatal error.
func (r *TaskRunRepository) UpdateStatus(ctx context.Context, input types.RunStatusUpdate) (*types.TaskRun, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE task_runs SET
			status = $2,
			summary = COALESCE($3, summary),
			error = COALESCE($4, error),
			updated_at = NOW()
		 WHERE id = $1
		 RETURNING id, calendar_event_id, scheduled_start, status,
		           COALESCE(summary, ''), COALESCE(error, ''), created_at, updated_at`,
		input.ID,
		string(input.Status),
		input.Summary,
		input.Error,
	)

	run, err := scanTaskRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update task run status", err)
	}
	return run, nil
}

// ListByDateRange returns runs whose scheduled_start lies in [start, end]
// inclusive, ordered ascending by scheduled_start. Used by the digest gate
// to gather a local day's runs.
func (r *TaskRunRepository) ListByDateRange(ctx context.Context, start, end time.Time) ([]types.TaskRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, calendar_event_id, scheduled_start, status,
		        COALESCE(summary, ''), COALESCE(error, ''), created_at, updated_at
		 FROM task_runs
		 WHERE scheduled_start BETWEEN $1 AND $2
		 ORDER BY scheduled_start ASC`,
		start,
		end,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list task runs", err)
	}
	defer rows.Close()

	var runs []types.TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan task run", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating task runs", err)
	}

	return runs, nil
}

// scanTaskRun scans one task_runs row in the canonical column order.
func scanTaskRun(row pgx.Row) (*types.TaskRun, error) {
	var (
		run    types.TaskRun
		status string
	)
	if err := row.Scan(
		&run.ID,
		&run.CalendarEventID,
		&run.ScheduledStart,
		&status,
		&run.Summary,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	run.Status = types.RunStatus(status)
	return &run, nil
}
