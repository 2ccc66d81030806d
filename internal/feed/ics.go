// Package feed implements a read-only Event Gateway backed by an iCalendar
// (ICS) feed URL. It fetches the feed over HTTP, parses VEVENTs, expands
// RRULE recurrences inside the requested window, and normalizes everything
// to the domain CalendarEvent model.
//
// RECURRENCE-ID overrides are not applied; each expanded instance carries
// the base event's fields. Feeds that rely on per-instance overrides should
// use the REST calendar provider instead.
package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"taskward/internal/types"
)

// maxOccurrencesPerEvent caps recurrence expansion so a pathological RRULE
// cannot blow up a tick.
const maxOccurrencesPerEvent = 1000

// FeedSourceConfig holds the configuration for creating a FeedSource.
type FeedSourceConfig struct {
	// URL is the ICS feed location.
	URL string
	// Client is the HTTP client used for fetching; nil uses a 30s-timeout
	// default.
	Client *http.Client
	Logger *slog.Logger
}

// FeedSource lists calendar events from an ICS feed. It satisfies the same
// EventSource contract as the REST calendar client.
type FeedSource struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewFeedSource creates a FeedSource for the given feed URL.
func NewFeedSource(cfg FeedSourceConfig) *FeedSource {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &FeedSource{
		url:    cfg.URL,
		client: client,
		logger: logger,
	}
}

// ListEventsBetween fetches and parses the feed, returning normalized
// events whose start lies in [start, end), recurrences expanded, sorted
// ascending by start.
func (f *FeedSource) ListEventsBetween(ctx context.Context, start, end time.Time) ([]types.CalendarEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to create feed request", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar,
			"failed to fetch ICS feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewUpstreamError(types.ErrCodeUpstreamCalendar,
			fmt.Sprintf("ICS feed returned %d", resp.StatusCode), resp.StatusCode, nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar,
			"failed to read ICS feed body", err)
	}

	return f.eventsBetween(body, start, end)
}

// eventsBetween parses an ICS payload and expands it into the window.
// Split from the HTTP fetch for direct testing against raw payloads.
func (f *FeedSource) eventsBetween(body []byte, start, end time.Time) ([]types.CalendarEvent, error) {
	cal, err := ical.ParseCalendar(strings.NewReader(string(body)))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCalendar,
			"failed to parse ICS feed", err)
	}

	var events []types.CalendarEvent
	for _, ve := range cal.Events() {
		expanded, err := expandVEvent(ve, start, end)
		if err != nil {
			// Skip malformed VEVENTs but keep the rest of the feed usable.
			f.logger.Warn("skipping malformed feed event", "error", err)
			continue
		}
		events = append(events, expanded...)
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})

	return events, nil
}

// expandVEvent normalizes one VEVENT, expanding its RRULE (minus EXDATEs)
// into concrete instances within [windowStart, windowEnd).
func expandVEvent(ve *ical.VEvent, windowStart, windowEnd time.Time) ([]types.CalendarEvent, error) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, fmt.Errorf("VEVENT missing UID")
	}
	uid := uidProp.Value

	dtStart, err := ve.GetStartAt()
	if err != nil {
		return nil, fmt.Errorf("VEVENT %s missing DTSTART: %w", uid, err)
	}

	var duration time.Duration
	var hasEnd bool
	if dtEnd, err := ve.GetEndAt(); err == nil {
		duration = dtEnd.Sub(dtStart)
		hasEnd = true
	}

	base := types.CalendarEvent{
		ID:     uid,
		Status: types.EventConfirmed,
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		base.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		base.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		base.Status = mapICSStatus(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			base.Timezone = tzs[0]
		}
	}

	rruleProp := ve.GetProperty(ical.ComponentPropertyRrule)
	if rruleProp == nil {
		// Single event: include only if its start falls in the window.
		if dtStart.Before(windowStart) || !dtStart.Before(windowEnd) {
			return nil, nil
		}
		event := base
		event.Start = dtStart
		if hasEnd {
			end := dtStart.Add(duration)
			event.End = &end
		}
		return []types.CalendarEvent{event}, nil
	}

	rule, err := rrule.StrToRRule(rruleProp.Value)
	if err != nil {
		return nil, fmt.Errorf("VEVENT %s has invalid RRULE %q: %w", uid, rruleProp.Value, err)
	}
	rule.DTStart(dtStart)

	var set rrule.Set
	set.RRule(rule)
	for _, ex := range exDates(ve, dtStart.Location()) {
		set.ExDate(ex)
	}

	// Between is end-inclusive, so back the window end off by a nanosecond
	// to keep the [start, end) contract.
	occTimes := set.Between(windowStart.In(dtStart.Location()), windowEnd.Add(-time.Nanosecond).In(dtStart.Location()), true)
	if len(occTimes) > maxOccurrencesPerEvent {
		occTimes = occTimes[:maxOccurrencesPerEvent]
	}

	instances := make([]types.CalendarEvent, 0, len(occTimes))
	for _, occStart := range occTimes {
		event := base
		// Recurrence instances get a per-occurrence id so each occurrence
		// keys its own task run.
		event.ID = fmt.Sprintf("%s/%s", uid, occStart.UTC().Format(time.RFC3339))
		event.Start = occStart
		if hasEnd {
			end := occStart.Add(duration)
			event.End = &end
		}
		instances = append(instances, event)
	}

	return instances, nil
}

// exDates collects EXDATE values, aligned to the event's start location.
func exDates(ve *ical.VEvent, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, loc); err == nil {
				out = append(out, t.In(loc))
			}
		}
	}
	return out
}

// parseICSTime parses the basic ICS DATE/DATE-TIME forms used by EXDATE.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

// mapICSStatus maps an ICS STATUS value onto the domain event status.
func mapICSStatus(v string) types.EventStatus {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "CANCELLED":
		return types.EventCancelled
	case "TENTATIVE":
		return types.EventTentative
	default:
		return types.EventConfirmed
	}
}
