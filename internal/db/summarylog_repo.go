package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"taskward/internal/types"
)

// SummaryLogRepository provides data access for the summary_log table, the
// once-per-local-day digest marker.
//
// Schema contract: date_key is the primary key, so a second marker for the
// same local day is rejected atomically. The digest gate's existence check
// is a fast path only; this constraint is what makes duplicate sends across
// concurrent ticks impossible to record.
//
//	CREATE TABLE summary_log (
//	  date_key   TEXT PRIMARY KEY,
//	  sent_at    TIMESTAMPTZ NOT NULL,
//	  message_id TEXT
//	);
type SummaryLogRepository struct {
	db DBTX
}

// NewSummaryLogRepository creates a new SummaryLogRepository backed by the
// given database connection (pool or transaction).
func NewSummaryLogRepository(db DBTX) *SummaryLogRepository {
	return &SummaryLogRepository{db: db}
}

// MarkSent inserts the marker for log.DateKey. If a marker already exists
// (another tick won the race between check and send), it returns
// ErrCodeConflictDuplicateSummary and leaves the existing row untouched;
// markers are never updated or deleted.
func (r *SummaryLogRepository) MarkSent(ctx context.Context, log types.SummaryLog) error {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO summary_log (date_key, sent_at, message_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (date_key) DO NOTHING`,
		log.DateKey,
		log.SentAt,
		nilIfEmpty(log.MessageID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark summary sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictDuplicateSummary,
			"summary already marked sent for "+log.DateKey, nil)
	}
	return nil
}

// GetForDate returns the marker for the given dateKey, or (nil, nil) when
// no digest has been sent for that local day.
func (r *SummaryLogRepository) GetForDate(ctx context.Context, dateKey string) (*types.SummaryLog, error) {
	var log types.SummaryLog
	err := r.db.QueryRow(ctx,
		`SELECT date_key, sent_at, COALESCE(message_id, '')
		 FROM summary_log
		 WHERE date_key = $1`,
		dateKey,
	).Scan(&log.DateKey, &log.SentAt, &log.MessageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get summary marker", err)
	}
	return &log, nil
}
