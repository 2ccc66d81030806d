package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"taskward/internal/types"
)

// --- Mocks ---

// mockEventSource returns a fixed event list and records the window.
type mockEventSource struct {
	events []types.CalendarEvent
	err    error

	gotStart time.Time
	gotEnd   time.Time
}

func (m *mockEventSource) ListEventsBetween(_ context.Context, start, end time.Time) ([]types.CalendarEvent, error) {
	m.gotStart = start
	m.gotEnd = end
	if m.err != nil {
		return nil, m.err
	}
	return m.events, nil
}

// statusCall records one UpdateStatus invocation.
type statusCall struct {
	RunID   string
	Status  types.RunStatus
	Summary *string
	Error   *string
}

// mockRunLifecycle simulates the run lifecycle manager. existing marks
// event IDs that are already tracked (CreateRunIfMissing returns nil).
type mockRunLifecycle struct {
	mu        sync.Mutex
	existing  map[string]bool
	createErr map[string]error
	updateErr error

	created     []string
	statusCalls []statusCall
}

func (m *mockRunLifecycle) CreateRunIfMissing(_ context.Context, event types.CalendarEvent) (*types.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createErr[event.ID]; err != nil {
		return nil, err
	}
	if m.existing[event.ID] {
		return nil, nil
	}
	m.created = append(m.created, event.ID)
	return &types.TaskRun{
		ID:              "run_" + event.ID,
		CalendarEventID: event.ID,
		ScheduledStart:  event.Start,
		Status:          types.RunPending,
		Summary:         event.Description,
	}, nil
}

func (m *mockRunLifecycle) UpdateStatus(_ context.Context, id string, status types.RunStatus, opts UpdateOpts) (*types.TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls = append(m.statusCalls, statusCall{
		RunID:   id,
		Status:  status,
		Summary: opts.Summary,
		Error:   opts.Error,
	})
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return &types.TaskRun{ID: id, Status: status}, nil
}

// statusesFor returns the ordered status transitions recorded for a run.
func (m *mockRunLifecycle) statusesFor(runID string) []types.RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.RunStatus
	for _, call := range m.statusCalls {
		if call.RunID == runID {
			out = append(out, call.Status)
		}
	}
	return out
}

// mockSummaryGate returns a canned digest result.
type mockSummaryGate struct {
	result types.SummaryResult
	err    error
	calls  int
	gotNow time.Time
}

func (m *mockSummaryGate) MaybeSendSummary(_ context.Context, now time.Time) (types.SummaryResult, error) {
	m.calls++
	m.gotNow = now
	if m.err != nil {
		return types.SummaryResult{}, m.err
	}
	return m.result, nil
}

func eventAt(id string, start time.Time) types.CalendarEvent {
	return types.CalendarEvent{
		ID:     id,
		Title:  "Event " + id,
		Start:  start,
		Status: types.EventConfirmed,
	}
}

func newTestReconciler(events EventSource, runs RunLifecycle, digest SummaryGate, handler TaskHandler) *Reconciler {
	return NewReconciler(ReconcilerConfig{
		Events:      events,
		Runs:        runs,
		Digest:      digest,
		Handler:     handler,
		Lookback:    15 * time.Minute,
		Lookahead:   5 * time.Minute,
		MaxParallel: 4,
	})
}

var succeedHandler = TaskHandlerFunc(func(_ context.Context, _ types.CalendarEvent, _ types.TaskRun) error {
	return nil
})

// --- Tests ---

func TestHandleTick_DueEventCompletes(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	source := &mockEventSource{events: []types.CalendarEvent{
		eventAt("evt-1", now.Add(-2*time.Minute)),
	}}
	runs := &mockRunLifecycle{}
	digest := &mockSummaryGate{result: types.SummaryResult{Sent: false, Reason: ReasonTooEarly}}

	r := newTestReconciler(source, runs, digest, succeedHandler)
	result, err := r.HandleTick(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.CheckedEvents != 1 || result.DueEvents != 1 || result.CreatedRuns != 1 || result.FailedRuns != 0 {
		t.Errorf("result = %+v", result)
	}

	want := []types.RunStatus{types.RunRunning, types.RunCompleted}
	got := runs.statusesFor("run_evt-1")
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("status transitions = %v, want %v", got, want)
	}

	if !source.gotStart.Equal(now.Add(-15 * time.Minute)) {
		t.Errorf("window start = %v", source.gotStart)
	}
	if !source.gotEnd.Equal(now.Add(5 * time.Minute)) {
		t.Errorf("window end = %v", source.gotEnd)
	}
	if digest.calls != 1 || !digest.gotNow.Equal(now) {
		t.Errorf("digest called %d times with now=%v", digest.calls, digest.gotNow)
	}
}

func TestHandleTick_HandlerFailureMarksRunFailed(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	source := &mockEventSource{events: []types.CalendarEvent{
		eventAt("evt-1", now.Add(-time.Minute)),
	}}
	runs := &mockRunLifecycle{}
	digest := &mockSummaryGate{}

	failing := TaskHandlerFunc(func(_ context.Context, _ types.CalendarEvent, _ types.TaskRun) error {
		return errors.New("upstream exploded")
	})

	r := newTestReconciler(source, runs, digest, failing)
	result, err := r.HandleTick(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.CreatedRuns != 1 || result.FailedRuns != 1 {
		t.Errorf("result = %+v", result)
	}

	got := runs.statusesFor("run_evt-1")
	if len(got) != 2 || got[0] != types.RunRunning || got[1] != types.RunFailed {
		t.Errorf("status transitions = %v", got)
	}

	last := runs.statusCalls[len(runs.statusCalls)-1]
	if last.Error == nil || *last.Error != "upstream exploded" {
		t.Errorf("failed transition must carry the handler error, got %+v", last)
	}
}

func TestHandleTick_AlreadyTrackedEventSkipped(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	source := &mockEventSource{events: []types.CalendarEvent{
		eventAt("evt-1", now.Add(-time.Minute)),
	}}
	runs := &mockRunLifecycle{existing: map[string]bool{"evt-1": true}}
	digest := &mockSummaryGate{}

	executed := 0
	handler := TaskHandlerFunc(func(_ context.Context, _ types.CalendarEvent, _ types.TaskRun) error {
		executed++
		return nil
	})

	r := newTestReconciler(source, runs, digest, handler)
	result, err := r.HandleTick(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.DueEvents != 1 || result.CreatedRuns != 0 || result.FailedRuns != 0 {
		t.Errorf("result = %+v", result)
	}
	if executed != 0 {
		t.Errorf("handler must not run for an already-tracked event, ran %d times", executed)
	}
	if len(runs.statusCalls) != 0 {
		t.Errorf("no transitions expected, got %v", runs.statusCalls)
	}
}

func TestHandleTick_FutureEventsNotDue(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	source := &mockEventSource{events: []types.CalendarEvent{
		eventAt("past", now.Add(-time.Minute)),
		eventAt("exact", now),
		eventAt("future", now.Add(2*time.Minute)),
	}}
	runs := &mockRunLifecycle{}
	digest := &mockSummaryGate{}

	r := newTestReconciler(source, runs, digest, succeedHandler)
	result, err := r.HandleTick(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.CheckedEvents != 3 {
		t.Errorf("checked = %d, want 3", result.CheckedEvents)
	}
	// Start <= now means due: the past and exactly-now events qualify.
	if result.DueEvents != 2 || result.CreatedRuns != 2 {
		t.Errorf("result = %+v", result)
	}
	for _, id := range runs.created {
		if id == "future" {
			t.Error("future event must not be processed")
		}
	}
}

func TestHandleTick_PerEventFailureIsolation(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	var events []types.CalendarEvent
	for i := 0; i < 5; i++ {
		events = append(events, eventAt(fmt.Sprintf("evt-%d", i), now.Add(-time.Minute)))
	}
	source := &mockEventSource{events: events}
	runs := &mockRunLifecycle{
		createErr: map[string]error{"evt-2": errors.New("store down")},
	}
	digest := &mockSummaryGate{}

	failing := TaskHandlerFunc(func(_ context.Context, event types.CalendarEvent, _ types.TaskRun) error {
		if event.ID == "evt-3" {
			return errors.New("boom")
		}
		return nil
	})

	r := newTestReconciler(source, runs, digest, failing)
	result, err := r.HandleTick(context.Background(), now)
	if err != nil {
		t.Fatalf("per-event failures must not abort the tick: %v", err)
	}

	// evt-2's create failed, the other four were created; evt-3 failed in
	// execution.
	if result.CreatedRuns != 4 {
		t.Errorf("created = %d, want 4", result.CreatedRuns)
	}
	if result.FailedRuns != 1 {
		t.Errorf("failed = %d, want 1", result.FailedRuns)
	}
	if digest.calls != 1 {
		t.Errorf("digest must still run, got %d calls", digest.calls)
	}
}

func TestHandleTick_WindowFetchErrorPropagates(t *testing.T) {
	source := &mockEventSource{err: errors.New("calendar unreachable")}
	runs := &mockRunLifecycle{}
	digest := &mockSummaryGate{}

	r := newTestReconciler(source, runs, digest, succeedHandler)
	_, err := r.HandleTick(context.Background(), time.Now().UTC())
	if err == nil {
		t.Fatal("expected error when the window fetch fails")
	}
	if digest.calls != 0 {
		t.Errorf("digest must not run without an event list, got %d calls", digest.calls)
	}
}

func TestHandleTick_DigestErrorFoldedIntoResult(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	source := &mockEventSource{}
	runs := &mockRunLifecycle{}
	digest := &mockSummaryGate{err: errors.New("marker store down")}

	r := newTestReconciler(source, runs, digest, succeedHandler)
	result, err := r.HandleTick(context.Background(), now)
	if err != nil {
		t.Fatalf("digest errors must not fail the tick: %v", err)
	}
	if result.Summary == nil {
		t.Fatal("expected a summary result")
	}
	if result.Summary.Sent {
		t.Error("summary must not report sent on error")
	}
	if result.Summary.Reason != "marker store down" {
		t.Errorf("reason = %q", result.Summary.Reason)
	}
}

func TestHandleTick_RunningTransitionFailureStillExecutes(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	source := &mockEventSource{events: []types.CalendarEvent{
		eventAt("evt-1", now.Add(-time.Minute)),
	}}
	runs := &mockRunLifecycle{updateErr: errors.New("write timeout")}
	digest := &mockSummaryGate{}

	executed := 0
	handler := TaskHandlerFunc(func(_ context.Context, _ types.CalendarEvent, _ types.TaskRun) error {
		executed++
		return nil
	})

	r := newTestReconciler(source, runs, digest, handler)
	result, err := r.HandleTick(context.Background(), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executed != 1 {
		t.Errorf("handler must execute despite the running-transition failure, ran %d times", executed)
	}
	// A persistence failure recording completion is not an execution failure.
	if result.FailedRuns != 0 {
		t.Errorf("failed = %d, want 0", result.FailedRuns)
	}
}

func TestHandleTick_CompletedSummaryFallsBackToTitle(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	event := eventAt("evt-1", now.Add(-time.Minute))
	// No description, so the created run has no summary; completion should
	// fall back to the event title.
	source := &mockEventSource{events: []types.CalendarEvent{event}}
	runs := &mockRunLifecycle{}
	digest := &mockSummaryGate{}

	r := newTestReconciler(source, runs, digest, succeedHandler)
	if _, err := r.HandleTick(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	last := runs.statusCalls[len(runs.statusCalls)-1]
	if last.Status != types.RunCompleted {
		t.Fatalf("last transition = %v", last.Status)
	}
	if last.Summary == nil || *last.Summary != "Event evt-1" {
		t.Errorf("completed summary = %v, want event title", last.Summary)
	}
}
