// Package types defines the shared domain model for the taskward agent:
// calendar events pulled from the event source, the durable task-run ledger,
// the daily summary marker, and the result DTOs returned by a tick.
package types

import "time"

// EventStatus is the lifecycle status of a calendar event as reported by
// the event source.
type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

// CalendarEvent is a normalized event record from the Event Gateway.
// The core only reads these; creation and mutation happen upstream.
type CalendarEvent struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Start       time.Time   `json:"start"`
	End         *time.Time  `json:"end,omitempty"`
	Status      EventStatus `json:"status"`
	Timezone    string      `json:"timezone,omitempty"`
}

// EventInput is the create/update surface of the Event Gateway.
type EventInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	Timezone    string     `json:"timezone,omitempty"`
}

// RunStatus is the execution state of a task run.
//
// The state machine driven by the tick reconciler is
// pending -> running -> {completed | failed}. RunSkipped is part of the
// status domain for future producers but is never assigned by this core.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// TaskRun is the durable unit of work tracking. At most one TaskRun exists
// per (CalendarEventID, ScheduledStart) pair; the storage layer enforces
// this with a unique constraint so that concurrent ticks cannot both insert.
type TaskRun struct {
	ID              string    `json:"id"`
	CalendarEventID string    `json:"calendar_event_id"`
	ScheduledStart  time.Time `json:"scheduled_start"`
	Status          RunStatus `json:"status"`
	Summary         string    `json:"summary,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RunStatusUpdate carries a status transition for a task run. Summary and
// Error are pointers so "leave unchanged" and "set" are distinguishable.
type RunStatusUpdate struct {
	ID      string
	Status  RunStatus
	Summary *string
	Error   *string
}

// SummaryLog is the once-per-local-day "digest sent" marker. Its presence
// for a DateKey is the sole idempotency signal; the storage layer rejects
// a second insert for the same key.
type SummaryLog struct {
	DateKey   string    `json:"date_key"`
	SentAt    time.Time `json:"sent_at"`
	MessageID string    `json:"message_id,omitempty"`
}

// SummaryResult describes the outcome of a digest attempt within a tick.
type SummaryResult struct {
	Sent      bool   `json:"sent"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// TickResult aggregates one reconciliation cycle. CheckedEvents counts the
// raw window fetch, DueEvents the subset with start <= now, CreatedRuns the
// events for which a new run record was inserted this tick, and FailedRuns
// the runs whose handler execution failed.
type TickResult struct {
	CheckedEvents int            `json:"checked_events"`
	DueEvents     int            `json:"due_events"`
	CreatedRuns   int            `json:"created_runs"`
	FailedRuns    int            `json:"failed_runs"`
	Summary       *SummaryResult `json:"summary,omitempty"`
}

// SendTextInput is the payload for the Notification Gateway: a plain-text
// email to a single recipient.
type SendTextInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}
