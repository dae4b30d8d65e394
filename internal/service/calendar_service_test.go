package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/calendarmail/internal/domain"
	"github.com/tazhate/calendarmail/internal/metrics"
)

var testNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

// stubSource answers by endpoint address.
type stubSource struct {
	mu     sync.Mutex
	events map[string][]domain.Event
	errs   map[string]error
	calls  []string
	block  bool
}

func (s *stubSource) Fetch(ctx context.Context, ep domain.Endpoint) ([]domain.Event, error) {
	s.mu.Lock()
	s.calls = append(s.calls, ep.Address)
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return nil, &domain.FetchError{Calendar: ep.Hostname, Err: ctx.Err()}
	}
	if err := s.errs[ep.Address]; err != nil {
		return nil, err
	}
	return s.events[ep.Address], nil
}

func day(n int, hour int) time.Time {
	d := domain.StartOfDay(testNow, time.UTC).AddDate(0, 0, n)
	return d.Add(time.Duration(hour) * time.Hour)
}

func event(cal, title string, start time.Time, d time.Duration) domain.Event {
	return domain.Event{UID: title, Calendar: cal, Title: title, Start: start, End: start.Add(d)}
}

func newTestCalendarService(src Source, sink metrics.Sink) *CalendarService {
	return NewCalendarService(map[domain.CalendarKind]Source{domain.KindWebDAV: src}, CalendarOptions{
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
		Metrics:  sink,
	})
}

func TestAggregateKeepsOnlyWindow(t *testing.T) {
	src := &stubSource{events: map[string][]domain.Event{
		"https://a": {event("a", "dentist", day(1, 10), time.Hour)},
		"https://b": {event("b", "holiday trip", day(10, 8), 2*time.Hour)},
	}}
	svc := newTestCalendarService(src, nil)

	got := svc.Aggregate(context.Background(), []domain.Endpoint{
		{Hostname: "a", Address: "https://a", Kind: domain.KindWebDAV},
		{Hostname: "b", Address: "https://b", Kind: domain.KindWebDAV},
	}, 3)

	require.Len(t, got, 1)
	assert.Equal(t, "dentist", got[0].Title)
}

func TestAggregateSkipsFailingEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheusSink(reg)
	src := &stubSource{
		events: map[string][]domain.Event{
			"https://good": {event("good", "standup", day(0, 10), 15*time.Minute)},
		},
		errs: map[string]error{
			"https://down":   &domain.FetchError{Calendar: "down", Err: errors.New("connection refused")},
			"https://broken": &domain.ParseError{Calendar: "broken", Err: errors.New("bad ics")},
		},
	}
	svc := newTestCalendarService(src, sink)

	got := svc.Aggregate(context.Background(), []domain.Endpoint{
		{Hostname: "down", Address: "https://down"},
		{Hostname: "good", Address: "https://good"},
		{Hostname: "broken", Address: "https://broken"},
		{Hostname: "empty"},
	}, 1)

	require.Len(t, got, 1)
	assert.Equal(t, "standup", got[0].Title)
	assert.Len(t, src.calls, 3, "endpoint without address is not fetched")

	expected := `
# HELP calendarmail_calendar_fetches_total Total number of calendar fetches by outcome.
# TYPE calendarmail_calendar_fetches_total counter
calendarmail_calendar_fetches_total{calendar="broken",outcome="parse_error"} 1
calendarmail_calendar_fetches_total{calendar="down",outcome="fetch_error"} 1
calendarmail_calendar_fetches_total{calendar="good",outcome="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "calendarmail_calendar_fetches_total"))
}

func TestAggregateEmptyIsNotNil(t *testing.T) {
	svc := newTestCalendarService(&stubSource{}, nil)
	got := svc.Aggregate(context.Background(), nil, 7)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestAggregateBoundsSlowEndpoints(t *testing.T) {
	slow := &stubSource{block: true}
	fast := &stubSource{events: map[string][]domain.Event{
		"https://fast": {event("fast", "lunch", day(0, 12), time.Hour)},
	}}
	svc := NewCalendarService(map[domain.CalendarKind]Source{
		domain.KindWebDAV: slow,
		domain.KindICS:    fast,
	}, CalendarOptions{
		FetchTimeout: 50 * time.Millisecond,
		Location:     time.UTC,
		Now:          func() time.Time { return testNow },
	})

	start := time.Now()
	got := svc.Aggregate(context.Background(), []domain.Endpoint{
		{Hostname: "slow", Address: "https://slow", Kind: domain.KindWebDAV},
		{Hostname: "fast", Address: "https://fast", Kind: domain.KindICS},
	}, 1)

	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "lunch", got[0].Title)
}

func TestAggregateFallsBackToWebDAVSource(t *testing.T) {
	src := &stubSource{events: map[string][]domain.Event{
		"https://x": {event("x", "gym", day(0, 18), time.Hour)},
	}}
	svc := newTestCalendarService(src, nil)

	got := svc.Aggregate(context.Background(), []domain.Endpoint{
		{Hostname: "x", Address: "https://x", Kind: domain.KindCalDAV},
	}, 1)
	require.Len(t, got, 1)
}

func TestFilterWindowStableOnEqualStarts(t *testing.T) {
	at := day(1, 9)
	events := []domain.Event{
		event("b", "later", day(1, 11), time.Hour),
		event("a", "first", at, time.Hour),
		event("b", "second", at, time.Hour),
		event("c", "third", at, 30*time.Minute),
	}

	got := FilterWindow(events, day(0, 0), day(3, 0))

	var titles []string
	for _, e := range got {
		titles = append(titles, e.Title)
	}
	assert.Equal(t, []string{"first", "second", "third", "later"}, titles)
}

func TestFilterWindowIntersection(t *testing.T) {
	from, to := day(0, 0), day(2, 0)
	events := []domain.Event{
		event("a", "ends at window start", day(-1, 22), 2*time.Hour),
		event("a", "spans into window", day(-1, 23), 2*time.Hour),
		event("a", "starts at window end", day(2, 0), time.Hour),
		{Title: "no start"},
		{Title: "all day today", Start: day(0, 0), AllDay: true},
		{Title: "instant", Start: day(1, 12)},
	}

	got := FilterWindow(events, from, to)

	var titles []string
	for _, e := range got {
		titles = append(titles, e.Title)
	}
	assert.Equal(t, []string{"spans into window", "all day today", "instant"}, titles)

	again := FilterWindow(got, from, to)
	assert.Equal(t, got, again)
}

func TestFilterWindowZeroDays(t *testing.T) {
	got := FilterWindow([]domain.Event{event("a", "x", day(0, 10), time.Hour)}, day(0, 0), day(0, 0))
	assert.Empty(t, got)
	assert.NotNil(t, got)
}
