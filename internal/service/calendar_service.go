package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tazhate/calendarmail/internal/domain"
	"github.com/tazhate/calendarmail/internal/metrics"
)

const (
	defaultFetchTimeout = 30 * time.Second
	maxParallelFetches  = 8
)

// Source fetches the events of one calendar endpoint.
type Source interface {
	Fetch(ctx context.Context, ep domain.Endpoint) ([]domain.Event, error)
}

// CalendarService merges the events of all configured calendars and
// filters them to a reminder's window.
type CalendarService struct {
	sources  map[domain.CalendarKind]Source
	fallback Source
	timeout  time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
	metrics  metrics.Sink
}

type CalendarOptions struct {
	FetchTimeout time.Duration
	Location     *time.Location
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      metrics.Sink
}

// NewCalendarService creates the aggregator. Endpoints whose kind has no
// entry in sources are read with the webdav source.
func NewCalendarService(sources map[domain.CalendarKind]Source, opts CalendarOptions) *CalendarService {
	s := &CalendarService{
		sources:  sources,
		fallback: sources[domain.KindWebDAV],
		timeout:  opts.FetchTimeout,
		loc:      opts.Location,
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	if s.timeout <= 0 {
		s.timeout = defaultFetchTimeout
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNoopSink()
	}
	return s
}

// Aggregate fetches every endpoint, merges the results and keeps the events
// intersecting [today, today+windowDays). A failing endpoint is logged and
// skipped. The result is never nil.
func (s *CalendarService) Aggregate(ctx context.Context, endpoints []domain.Endpoint, windowDays int) []domain.Event {
	today := domain.StartOfDay(s.now(), s.loc)

	// one slot per endpoint keeps declaration order for the stable sort
	results := make([][]domain.Event, len(endpoints))
	var g errgroup.Group
	g.SetLimit(maxParallelFetches)
	for i, ep := range endpoints {
		i, ep := i, ep
		g.Go(func() error {
			results[i] = s.fetchOne(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	var all []domain.Event
	for _, evs := range results {
		all = append(all, evs...)
	}
	return FilterWindow(all, today, today.AddDate(0, 0, windowDays))
}

func (s *CalendarService) fetchOne(ctx context.Context, ep domain.Endpoint) []domain.Event {
	if ep.Address == "" {
		s.logger.Warn("calendar has no address, skipping", "calendar", ep.Hostname)
		return nil
	}

	src, ok := s.sources[ep.Kind]
	if !ok {
		src = s.fallback
	}
	if src == nil {
		s.logger.Error("no source for calendar kind", "calendar", ep.Hostname, "kind", ep.Kind)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	events, err := src.Fetch(ctx, ep)
	elapsed := time.Since(start)
	if err != nil {
		outcome := metrics.OutcomeFetchError
		var pe *domain.ParseError
		switch {
		case errors.As(err, &pe):
			outcome = metrics.OutcomeParseError
		case errors.Is(err, context.DeadlineExceeded):
			outcome = metrics.OutcomeTimeout
		}
		s.metrics.FetchCompleted(ep.Hostname, outcome, elapsed, 0)
		s.logger.Error("calendar fetch failed, skipping", "calendar", ep.Hostname, "error", err)
		return nil
	}

	s.metrics.FetchCompleted(ep.Hostname, metrics.OutcomeSuccess, elapsed, len(events))
	s.logger.Debug("calendar fetched", "calendar", ep.Hostname, "events", len(events), "took", elapsed)
	return events
}

// FilterWindow drops events without a start, sorts the rest by start
// (stable, so equal starts keep input order) and keeps those intersecting
// [from, to). Applying it twice gives the same result.
func FilterWindow(events []domain.Event, from, to time.Time) []domain.Event {
	out := make([]domain.Event, 0, len(events))
	for _, e := range events {
		if e.HasStart() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})

	kept := out[:0]
	for _, e := range out {
		if e.Overlaps(from, to) {
			kept = append(kept, e)
		}
	}
	return kept
}
