package external

import (
	"context"
	"time"

	"taskward/internal/types"
)

// EventGateway abstracts the remote calendar API. Implementations translate
// between the normalized CalendarEvent model and vendor-specific payloads.
// Failures surface as AppErrors carrying the upstream HTTP status code.
type EventGateway interface {
	// ListEventsBetween returns events whose time window overlaps
	// [start, end), normalized and sorted by start time.
	ListEventsBetween(ctx context.Context, start, end time.Time) ([]types.CalendarEvent, error)

	// CreateEvent creates a new event in the configured calendar.
	CreateEvent(ctx context.Context, input types.EventInput) (*types.CalendarEvent, error)

	// UpdateEvent applies the input to an existing event.
	UpdateEvent(ctx context.Context, id string, input types.EventInput) (*types.CalendarEvent, error)
}

// EmailProvider abstracts the email delivery service (AWS SES).
// Implementations transmit a pre-rendered plain-text message and return the
// provider's message ID for tracking and correlation.
type EmailProvider interface {
	SendText(ctx context.Context, input types.SendTextInput) (providerMsgID string, err error)
}
