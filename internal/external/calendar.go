package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"taskward/internal/types"
)

// CalendarClientConfig holds the configuration for creating a CalendarHTTPClient.
type CalendarClientConfig struct {
	BaseURL    string
	APIKey     types.SecretString
	CalendarID string
	Logger     *slog.Logger
}

// calendarEventDTO is the wire representation of an event in the calendar
// API. Start/End are RFC 3339 instants; End and Timezone may be absent.
type calendarEventDTO struct {
	ID          string `json:"id"`
	Title       string `json:"summary"`
	Description string `json:"description,omitempty"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	Status      string `json:"status"`
	Timezone    string `json:"timeZone,omitempty"`
}

// calendarListResponse is the envelope returned by the events list endpoint.
type calendarListResponse struct {
	Items []calendarEventDTO `json:"items"`
}

// CalendarHTTPClient implements EventGateway by making direct HTTP calls to
// the calendar REST API through BaseClient, so every request inherits the
// circuit breaker, retry, and error-mapping behavior.
type CalendarHTTPClient struct {
	base       *BaseClient
	apiKey     types.SecretString
	calendarID string
	baseURL    string
	logger     *slog.Logger
}

// NewCalendarClient creates a new CalendarHTTPClient. The httpClient
// timeout should be set appropriately for the calendar API.
func NewCalendarClient(httpClient *http.Client, cfg CalendarClientConfig) *CalendarHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"calendar",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    1 * time.Second,
			MaxWait:    10 * time.Second,
		},
		"Taskward/1.0",
		types.ErrCodeUpstreamCalendar,
	)

	return &CalendarHTTPClient{
		base:       base,
		apiKey:     cfg.APIKey,
		calendarID: cfg.CalendarID,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:     logger,
	}
}

// NewCalendarClientWithBase creates a CalendarHTTPClient with a
// pre-configured BaseClient. Useful for testing when you want to control
// the BaseClient configuration (e.g., disable retries).
func NewCalendarClientWithBase(base *BaseClient, cfg CalendarClientConfig) *CalendarHTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &CalendarHTTPClient{
		base:       base,
		apiKey:     cfg.APIKey,
		calendarID: cfg.CalendarID,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		logger:     logger,
	}
}

// ListEventsBetween fetches events overlapping [start, end) from
// GET /calendars/{id}/events?timeMin=...&timeMax=... and normalizes them,
// sorted ascending by start.
func (c *CalendarHTTPClient) ListEventsBetween(ctx context.Context, start, end time.Time) ([]types.CalendarEvent, error) {
	q := url.Values{}
	q.Set("timeMin", start.UTC().Format(time.RFC3339))
	q.Set("timeMax", end.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/calendars/%s/events?%s", c.baseURL, url.PathEscape(c.calendarID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create calendar list request", err)
	}

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var list calendarListResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar,
			"failed to decode calendar list response", err)
	}

	events := make([]types.CalendarEvent, 0, len(list.Items))
	for _, dto := range list.Items {
		event, err := normalizeEvent(dto)
		if err != nil {
			c.logger.WarnContext(ctx, "skipping malformed calendar event",
				"event_id", dto.ID,
				"error", err,
			)
			continue
		}
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})

	return events, nil
}

// CreateEvent POSTs a new event to the configured calendar.
func (c *CalendarHTTPClient) CreateEvent(ctx context.Context, input types.EventInput) (*types.CalendarEvent, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
	return c.writeEvent(ctx, http.MethodPost, endpoint, input)
}

// UpdateEvent PATCHes an existing event.
func (c *CalendarHTTPClient) UpdateEvent(ctx context.Context, id string, input types.EventInput) (*types.CalendarEvent, error) {
	endpoint := fmt.Sprintf("%s/calendars/%s/events/%s",
		c.baseURL, url.PathEscape(c.calendarID), url.PathEscape(id))
	return c.writeEvent(ctx, http.MethodPatch, endpoint, input)
}

// writeEvent serializes the input, issues the request, and normalizes the
// returned event.
func (c *CalendarHTTPClient) writeEvent(ctx context.Context, method, endpoint string, input types.EventInput) (*types.CalendarEvent, error) {
	dto := calendarEventDTO{
		Title:       input.Title,
		Description: input.Description,
		Start:       input.Start.UTC().Format(time.RFC3339),
		Timezone:    input.Timezone,
	}
	if input.End != nil {
		dto.End = input.End.UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(dto)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to serialize event input", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create calendar write request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var out calendarEventDTO
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar,
			"failed to decode calendar event response", err)
	}

	event, err := normalizeEvent(out)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar,
			"calendar returned malformed event", err)
	}
	return &event, nil
}

// do attaches auth, executes the request through the BaseClient, and reads
// the body. Non-2xx statuses that survived the retry policy (4xx) map to
// upstream-calendar errors carrying the status code.
func (c *CalendarHTTPClient) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey.Unmask())

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar,
			"failed to read calendar response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.NewUpstreamError(
			types.ErrCodeUpstreamCalendar,
			fmt.Sprintf("calendar API returned %d", resp.StatusCode),
			resp.StatusCode,
			nil,
		)
	}

	return body, nil
}

// normalizeEvent maps a wire DTO to the domain CalendarEvent. Unknown
// statuses default to confirmed; a missing start is an error since the
// dedup key depends on it.
func normalizeEvent(dto calendarEventDTO) (types.CalendarEvent, error) {
	start, err := time.Parse(time.RFC3339, dto.Start)
	if err != nil {
		return types.CalendarEvent{}, fmt.Errorf("parsing event start %q: %w", dto.Start, err)
	}

	event := types.CalendarEvent{
		ID:          dto.ID,
		Title:       dto.Title,
		Description: dto.Description,
		Start:       start,
		Timezone:    dto.Timezone,
	}

	if dto.End != "" {
		end, err := time.Parse(time.RFC3339, dto.End)
		if err != nil {
			return types.CalendarEvent{}, fmt.Errorf("parsing event end %q: %w", dto.End, err)
		}
		event.End = &end
	}

	switch types.EventStatus(dto.Status) {
	case types.EventTentative:
		event.Status = types.EventTentative
	case types.EventCancelled:
		event.Status = types.EventCancelled
	default:
		event.Status = types.EventConfirmed
	}

	return event, nil
}

// Compile-time assertion that CalendarHTTPClient satisfies EventGateway.
var _ EventGateway = (*CalendarHTTPClient)(nil)
