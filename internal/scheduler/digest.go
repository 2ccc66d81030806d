// digest.go implements the daily digest gate: the decision of whether the
// current tick should compose and email a summary of the local calendar
// day's runs, at most once per day.
//
// Day boundaries are resolved with timezone-rule-aware conversion, not a
// fixed UTC offset, because the offset can change within the calendar day
// across a DST transition. The correct local midnight is the one in effect
// at the start of the local day, not at "now".
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskward/internal/types"
)

// ReasonAlreadySent and ReasonTooEarly are the non-error reasons a tick's
// digest attempt declines to send.
const (
	ReasonAlreadySent = "already-sent"
	ReasonTooEarly    = "too-early"
)

// dateKeyLayout is the ISO date portion used as the digest idempotency key.
const dateKeyLayout = "2006-01-02"

// RunLister is the slice of the run lifecycle manager the digest gate uses
// to gather a day's runs.
type RunLister interface {
	ListRunsBetween(ctx context.Context, start, end time.Time) ([]types.TaskRun, error)
}

// SummaryLogStore abstracts the digest marker storage. MarkSent must reject
// a second insert for the same date key atomically (unique key + conflict
// handling); the gate's existence check is an optimization, not the
// correctness mechanism.
type SummaryLogStore interface {
	MarkSent(ctx context.Context, log types.SummaryLog) error
	GetForDate(ctx context.Context, dateKey string) (*types.SummaryLog, error)
}

// EmailSender is the Notification Gateway: it delivers a plain-text message
// and returns the provider's delivery identifier.
type EmailSender interface {
	SendText(ctx context.Context, input types.SendTextInput) (string, error)
}

// DigestGateConfig holds the configuration for creating a DigestGate.
type DigestGateConfig struct {
	Runs       RunLister
	SummaryLog SummaryLogStore
	Email      EmailSender
	// Location is the agent's local timezone; digest decisions are made in
	// this civil day, not UTC.
	Location *time.Location
	// SummaryHour is the earliest local hour (0-23) at which the digest
	// may be sent.
	SummaryHour int
	// Recipient is the digest destination address.
	Recipient string
	Logger    *slog.Logger
}

// DigestGate decides whether/when to compose and send the daily summary.
type DigestGate struct {
	runs        RunLister
	summaryLog  SummaryLogStore
	email       EmailSender
	loc         *time.Location
	summaryHour int
	recipient   string
	logger      *slog.Logger
}

// NewDigestGate creates a DigestGate with the given configuration.
func NewDigestGate(cfg DigestGateConfig) *DigestGate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &DigestGate{
		runs:        cfg.Runs,
		summaryLog:  cfg.SummaryLog,
		email:       cfg.Email,
		loc:         loc,
		summaryHour: cfg.SummaryHour,
		recipient:   cfg.Recipient,
		logger:      logger,
	}
}

// MaybeSendSummary decides whether the day's summary should go out now and,
// if so, composes and sends it and persists the once-per-day marker.
//
// The sequence:
//  1. Resolve the local day window for now and derive the date key.
//  2. Fast path: if a marker exists, decline with "already-sent".
//  3. If the local hour is before the configured summary hour, decline
//     with "too-early".
//  4. Gather the day's runs, compose the report, send it.
//  5. Persist the marker. A duplicate-marker conflict here means a
//     concurrent tick sent between our check and our insert; the marker
//     stays single, so this is treated as a successful send.
func (g *DigestGate) MaybeSendSummary(ctx context.Context, now time.Time) (types.SummaryResult, error) {
	start, end := g.dayWindow(now)
	dateKey := start.UTC().Format(dateKeyLayout)

	existing, err := g.summaryLog.GetForDate(ctx, dateKey)
	if err != nil {
		return types.SummaryResult{}, fmt.Errorf("checking summary marker for %s: %w", dateKey, err)
	}
	if existing != nil {
		return types.SummaryResult{Sent: false, Reason: ReasonAlreadySent}, nil
	}

	if now.In(g.loc).Hour() < g.summaryHour {
		return types.SummaryResult{Sent: false, Reason: ReasonTooEarly}, nil
	}

	runs, err := g.runs.ListRunsBetween(ctx, start, end)
	if err != nil {
		return types.SummaryResult{}, fmt.Errorf("listing runs for %s: %w", dateKey, err)
	}

	body := ComposeSummaryBody(dateKey, runs)
	subject := fmt.Sprintf("Daily agent summary (%s)", dateKey)

	messageID, err := g.email.SendText(ctx, types.SendTextInput{
		To:      g.recipient,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return types.SummaryResult{}, fmt.Errorf("sending summary for %s: %w", dateKey, err)
	}

	if err := g.summaryLog.MarkSent(ctx, types.SummaryLog{
		DateKey:   dateKey,
		SentAt:    now,
		MessageID: messageID,
	}); err != nil {
		if types.IsCode(err, types.ErrCodeConflictDuplicateSummary) {
			g.logger.WarnContext(ctx, "summary marker already present, concurrent tick sent first",
				"date_key", dateKey,
			)
			return types.SummaryResult{Sent: true, MessageID: messageID}, nil
		}
		return types.SummaryResult{}, fmt.Errorf("marking summary sent for %s: %w", dateKey, err)
	}

	g.logger.InfoContext(ctx, "daily summary sent",
		"date_key", dateKey,
		"message_id", messageID,
		"run_count", len(runs),
	)

	return types.SummaryResult{Sent: true, MessageID: messageID}, nil
}

// dayWindow resolves the local-timezone day window for now: local midnight
// expressed as a UTC instant, and that plus 24h minus 1ms. time.Date in a
// Location applies the timezone rules in effect at that wall-clock moment,
// which yields the pre-transition midnight on DST switch days.
func (g *DigestGate) dayWindow(now time.Time) (start, end time.Time) {
	local := now.In(g.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc)
	start = midnight.UTC()
	end = start.Add(24*time.Hour - time.Millisecond)
	return start, end
}

// ComposeSummaryBody renders the deterministic plain-text report for one
// local day: a header naming the date key, then completed, pending/running,
// and failed sections. Lines fall back to the calendar event id when a run
// has no summary, and to "Unknown error" when a failed run recorded none.
func ComposeSummaryBody(dateKey string, runs []types.TaskRun) string {
	var completed, other, failed []types.TaskRun
	for _, run := range runs {
		switch run.Status {
		case types.RunCompleted:
			completed = append(completed, run)
		case types.RunFailed:
			failed = append(failed, run)
		default:
			other = append(other, run)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Daily agent summary for %s\n", dateKey)

	b.WriteString("\nCompleted tasks:\n")
	if len(completed) == 0 {
		b.WriteString("- none\n")
	}
	for _, run := range completed {
		fmt.Fprintf(&b, "- %s (scheduled %s)\n",
			labelFor(run), run.ScheduledStart.UTC().Format(time.RFC3339))
	}

	b.WriteString("\nPending / running:\n")
	if len(other) == 0 {
		b.WriteString("- none\n")
	}
	for _, run := range other {
		fmt.Fprintf(&b, "- %s [%s] at %s\n",
			labelFor(run), run.Status, run.ScheduledStart.UTC().Format(time.RFC3339))
	}

	b.WriteString("\nFailures:\n")
	if len(failed) == 0 {
		b.WriteString("- none\n")
	}
	for _, run := range failed {
		reason := run.Error
		if reason == "" {
			reason = "Unknown error"
		}
		fmt.Fprintf(&b, "- %s: %s\n", labelFor(run), reason)
	}

	return b.String()
}

// labelFor returns the human-readable identifier for a run in the report.
func labelFor(run types.TaskRun) string {
	if run.Summary != "" {
		return run.Summary
	}
	return run.CalendarEventID
}
