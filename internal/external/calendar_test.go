package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskward/internal/types"
)

// newTestCalendarClient builds a client with retries disabled so failure
// tests are deterministic and fast.
func newTestCalendarClient(baseURL string) *CalendarHTTPClient {
	base := NewBaseClient(
		&http.Client{Timeout: 5 * time.Second},
		"calendar-test",
		RetryPolicy{MaxRetries: 0, MinWait: time.Millisecond, MaxWait: time.Millisecond},
		"Taskward/1.0",
		types.ErrCodeUpstreamCalendar,
		WithSleepFunc(func(time.Duration) {}),
	)
	return NewCalendarClientWithBase(base, CalendarClientConfig{
		BaseURL:    baseURL,
		APIKey:     types.SecretString("test-api-key"),
		CalendarID: "primary",
	})
}

func TestCalendarListEventsBetween_Success(t *testing.T) {
	var gotPath, gotAuth, gotTimeMin, gotTimeMax string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotTimeMin = r.URL.Query().Get("timeMin")
		gotTimeMax = r.URL.Query().Get("timeMax")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items": [
			{"id": "evt-2", "summary": "Later", "start": "2024-06-15T15:00:00Z", "status": "confirmed"},
			{"id": "evt-1", "summary": "Earlier", "start": "2024-06-15T09:00:00Z", "end": "2024-06-15T09:30:00Z", "status": "tentative"}
		]}`)
	}))
	defer srv.Close()

	client := newTestCalendarClient(srv.URL)
	start := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	events, err := client.ListEventsBetween(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotPath != "/calendars/primary/events" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-api-key" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotTimeMin != "2024-06-15T00:00:00Z" || gotTimeMax != "2024-06-16T00:00:00Z" {
		t.Errorf("window = %q..%q", gotTimeMin, gotTimeMax)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Normalized output is sorted ascending by start.
	if events[0].ID != "evt-1" || events[1].ID != "evt-2" {
		t.Errorf("order = %q, %q", events[0].ID, events[1].ID)
	}
	if events[0].Status != types.EventTentative {
		t.Errorf("status = %v", events[0].Status)
	}
	if events[0].End == nil || !events[0].End.Equal(time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("end = %v", events[0].End)
	}
	if events[1].End != nil {
		t.Errorf("missing end must stay nil, got %v", events[1].End)
	}
}

func TestCalendarListEventsBetween_SkipsMalformedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": [
			{"id": "bad", "summary": "No start", "status": "confirmed"},
			{"id": "good", "summary": "Fine", "start": "2024-06-15T09:00:00Z", "status": "confirmed"}
		]}`)
	}))
	defer srv.Close()

	client := newTestCalendarClient(srv.URL)
	events, err := client.ListEventsBetween(context.Background(), time.Now(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("a malformed event must not fail the listing: %v", err)
	}
	if len(events) != 1 || events[0].ID != "good" {
		t.Errorf("events = %+v", events)
	}
}

func TestCalendarListEventsBetween_ClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := newTestCalendarClient(srv.URL)
	_, err := client.ListEventsBetween(context.Background(), time.Now(), time.Now().Add(time.Hour))
	if err == nil {
		t.Fatal("expected error for 403 response")
	}

	if !types.IsCode(err, types.ErrCodeUpstreamCalendar) {
		t.Fatalf("error = %v, want upstream-calendar code", err)
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("error = %v, want AppError", err)
	}
	if appErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", appErr.StatusCode)
	}
}

func TestCalendarCreateEvent(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"id": "evt-new", "summary": "Dentist", "start": "2024-06-20T10:00:00Z", "status": "confirmed"}`)
	}))
	defer srv.Close()

	client := newTestCalendarClient(srv.URL)
	event, err := client.CreateEvent(context.Background(), types.EventInput{
		Title: "Dentist",
		Start: time.Date(2024, 6, 20, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPost || gotPath != "/calendars/primary/events" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if event.ID != "evt-new" || event.Title != "Dentist" {
		t.Errorf("event = %+v", event)
	}
}

func TestCalendarUpdateEvent(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		fmt.Fprint(w, `{"id": "evt-1", "summary": "Moved", "start": "2024-06-21T10:00:00Z", "status": "confirmed"}`)
	}))
	defer srv.Close()

	client := newTestCalendarClient(srv.URL)
	event, err := client.UpdateEvent(context.Background(), "evt-1", types.EventInput{
		Title: "Moved",
		Start: time.Date(2024, 6, 21, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotMethod != http.MethodPatch || gotPath != "/calendars/primary/events/evt-1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if event.Title != "Moved" {
		t.Errorf("event = %+v", event)
	}
}
