// Package litestore provides a single-file SQLite implementation of the run
// ledger and digest marker storage, for single-node deployments that do not
// want to operate Postgres. It honors the same contracts as the pgx
// repositories: unique-key rejection of duplicate runs and duplicate digest
// markers, (nil, nil) on missing rows.
package litestore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskward/internal/types"
)

// schema bootstraps the two tables on open. Timestamps are stored as
// UnixNano integers so range queries and ordering work without parsing.
const schema = `
CREATE TABLE IF NOT EXISTS task_runs (
	id                TEXT PRIMARY KEY,
	calendar_event_id TEXT NOT NULL,
	scheduled_start   INTEGER NOT NULL,
	status            TEXT NOT NULL,
	summary           TEXT NOT NULL DEFAULT '',
	error             TEXT NOT NULL DEFAULT '',
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL,
	UNIQUE (calendar_event_id, scheduled_start)
);

CREATE TABLE IF NOT EXISTS summary_log (
	date_key   TEXT PRIMARY KEY,
	sent_at    INTEGER NOT NULL,
	message_id TEXT NOT NULL DEFAULT ''
);
`

// Store wraps a SQLite database holding both the run ledger and the digest
// marker log. A single Store satisfies the scheduler's TaskRunStore and
// SummaryLogStore interfaces.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to open sqlite database", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// between the tick loop and the digest gate.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to apply sqlite schema", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. The driver surfaces these as plain errors, so the message text is
// the only discriminator available.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Create inserts a new run record. A duplicate (calendar_event_id,
// scheduled_start) pair returns ErrCodeConflictDuplicateRun.
func (s *Store) Create(ctx context.Context, run *types.TaskRun) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (id, calendar_event_id, scheduled_start, status, summary, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.CalendarEventID,
		run.ScheduledStart.UnixNano(),
		string(run.Status),
		run.Summary,
		run.Error,
		now.UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicateRun,
				"task run already exists for this event occurrence", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create task run", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// FindByEventAndStart returns the run keyed by (eventID, start), or
// (nil, nil) when none exists.
func (s *Store) FindByEventAndStart(ctx context.Context, eventID string, start time.Time) (*types.TaskRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, calendar_event_id, scheduled_start, status, summary, error, created_at, updated_at
		 FROM task_runs
		 WHERE calendar_event_id = ? AND scheduled_start = ?`,
		eventID, start.UnixNano(),
	)
	return scanRun(row)
}

// UpdateStatus overwrites status and any provided optional fields, bumping
// updated_at. Returns (nil, nil) when the id does not resolve.
func (s *Store) UpdateStatus(ctx context.Context, input types.RunStatusUpdate) (*types.TaskRun, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs
		 SET status = ?,
		     summary = COALESCE(?, summary),
		     error = COALESCE(?, error),
		     updated_at = ?
		 WHERE id = ?`,
		string(input.Status),
		input.Summary,
		input.Error,
		now.UnixNano(),
		input.ID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update task run", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read update result", err)
	}
	if affected == 0 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, calendar_event_id, scheduled_start, status, summary, error, created_at, updated_at
		 FROM task_runs
		 WHERE id = ?`,
		input.ID,
	)
	return scanRun(row)
}

// ListByDateRange returns runs with scheduled_start in [start, end]
// inclusive, ordered ascending by scheduled_start.
func (s *Store) ListByDateRange(ctx context.Context, start, end time.Time) ([]types.TaskRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, calendar_event_id, scheduled_start, status, summary, error, created_at, updated_at
		 FROM task_runs
		 WHERE scheduled_start BETWEEN ? AND ?
		 ORDER BY scheduled_start ASC`,
		start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list task runs", err)
	}
	defer rows.Close()

	var runs []types.TaskRun
	for rows.Next() {
		run, err := scanRunValues(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate task runs", err)
	}
	return runs, nil
}

// MarkSent inserts the digest marker for log.DateKey. A duplicate date key
// returns ErrCodeConflictDuplicateSummary and leaves the existing row
// untouched.
func (s *Store) MarkSent(ctx context.Context, log types.SummaryLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summary_log (date_key, sent_at, message_id) VALUES (?, ?, ?)`,
		log.DateKey,
		log.SentAt.UnixNano(),
		log.MessageID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicateSummary,
				"summary already marked sent for "+log.DateKey, err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark summary sent", err)
	}
	return nil
}

// GetForDate returns the marker for the given dateKey, or (nil, nil) when
// no digest has been sent for that local day.
func (s *Store) GetForDate(ctx context.Context, dateKey string) (*types.SummaryLog, error) {
	var log types.SummaryLog
	var sentAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT date_key, sent_at, message_id FROM summary_log WHERE date_key = ?`,
		dateKey,
	).Scan(&log.DateKey, &sentAt, &log.MessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get summary marker", err)
	}
	log.SentAt = time.Unix(0, sentAt).UTC()
	return &log, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row *sql.Row) (*types.TaskRun, error) {
	run, err := scanRunValues(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

func scanRunValues(row rowScanner) (*types.TaskRun, error) {
	var run types.TaskRun
	var status string
	var scheduledStart, createdAt, updatedAt int64
	err := row.Scan(
		&run.ID,
		&run.CalendarEventID,
		&scheduledStart,
		&status,
		&run.Summary,
		&run.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan task run", err)
	}
	run.ScheduledStart = time.Unix(0, scheduledStart).UTC()
	run.Status = types.RunStatus(status)
	run.CreatedAt = time.Unix(0, createdAt).UTC()
	run.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &run, nil
}
