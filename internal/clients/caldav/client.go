package caldav

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	"github.com/tazhate/calendarmail/internal/clients/recur"
	"github.com/tazhate/calendarmail/internal/domain"
)

const defaultTimeout = 30 * time.Second

// Source reads events from WebDAV collections (kind "webdav") and CalDAV
// servers (kind "caldav").
type Source struct {
	timeout     time.Duration
	horizonDays int
	loc         *time.Location
	logger      *slog.Logger
	now         func() time.Time

	openCollection func(ep domain.Endpoint) (collection, string, error)
}

type Option func(*Source)

// WithTimeout bounds each HTTP request made for an endpoint.
func WithTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLocation sets the zone floating times and dates are read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Source) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithHorizonDays sets how far ahead recurring events are expanded.
func WithHorizonDays(days int) Option {
	return func(s *Source) {
		if days >= 0 {
			s.horizonDays = days
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// NewSource creates a DAV calendar source.
func NewSource(logger *slog.Logger, opts ...Option) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		timeout: defaultTimeout,
		loc:     time.Local,
		logger:  logger,
		now:     time.Now,
	}
	s.openCollection = s.dialCollection
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch returns every event of the endpoint. Recurring masters are expanded
// into their occurrences inside the expansion horizon.
func (s *Source) Fetch(ctx context.Context, ep domain.Endpoint) ([]domain.Event, error) {
	if ep.Address == "" {
		return nil, &domain.FetchError{Calendar: ep.Hostname, Err: domain.ErrEmptyAddress}
	}
	if ep.Kind == domain.KindCalDAV {
		return s.fetchCalDAV(ctx, ep)
	}
	return s.fetchWebDAV(ctx, ep)
}

// fetchWebDAV lists the address when it is a collection and reads every
// calendar member; otherwise the address is read as a single resource.
func (s *Source) fetchWebDAV(ctx context.Context, ep domain.Endpoint) ([]domain.Event, error) {
	coll, name, err := s.openCollection(ep)
	if err != nil {
		return nil, &domain.FetchError{Calendar: ep.Hostname, URL: ep.Address, Err: err}
	}

	info, err := coll.Stat(ctx, name)
	if err != nil {
		s.logger.Debug("stat failed, reading address as single resource",
			"calendar", ep.Hostname, "error", err)
		return s.readResource(ctx, coll, ep, name)
	}
	if !info.IsDir {
		return s.readResource(ctx, coll, ep, name)
	}

	members, err := coll.ReadDir(ctx, name, false)
	if err != nil {
		return nil, &domain.FetchError{Calendar: ep.Hostname, URL: ep.Address, Err: fmt.Errorf("list collection: %w", err)}
	}

	events := make([]domain.Event, 0)
	fetched := 0
	for _, fi := range members {
		if !isCalendarResource(fi, name) {
			continue
		}
		evs, err := s.readResource(ctx, coll, ep, fi.Path)
		if err != nil {
			var pe *domain.ParseError
			if errors.As(err, &pe) {
				s.logger.Warn("skipping malformed calendar resource",
					"calendar", ep.Hostname, "resource", fi.Path, "error", err)
				continue
			}
			return nil, err
		}
		fetched++
		events = append(events, evs...)
	}

	s.logger.Debug("webdav collection read",
		"calendar", ep.Hostname, "resources", fetched, "events", len(events))
	return events, nil
}

func (s *Source) readResource(ctx context.Context, coll collection, ep domain.Endpoint, name string) ([]domain.Event, error) {
	rc, err := coll.Open(ctx, name)
	if err != nil {
		return nil, &domain.FetchError{Calendar: ep.Hostname, URL: name, Err: err}
	}
	defer rc.Close()

	events, err := s.decode(ep.Hostname, rc)
	if err != nil {
		return nil, &domain.ParseError{Calendar: ep.Hostname, Resource: name, Err: err}
	}
	return events, nil
}

// fetchCalDAV discovers the user's calendars and runs a time-range query
// on each calendar that holds events.
func (s *Source) fetchCalDAV(ctx context.Context, ep domain.Endpoint) ([]domain.Event, error) {
	fetchErr := func(err error) error {
		return &domain.FetchError{Calendar: ep.Hostname, URL: ep.Address, Err: err}
	}

	client, err := caldav.NewClient(s.httpClient(ep), ep.Address)
	if err != nil {
		return nil, fetchErr(fmt.Errorf("connect to CalDAV: %w", err))
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fetchErr(fmt.Errorf("find principal: %w", err))
	}
	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fetchErr(fmt.Errorf("find home set: %w", err))
	}
	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fetchErr(fmt.Errorf("find calendars: %w", err))
	}

	from, to := s.expansionWindow()
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  "VCALENDAR",
			Props: []string{"VERSION"},
			Comps: []caldav.CalendarCompRequest{{
				Name:     "VEVENT",
				AllProps: true,
			}},
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: from,
				End:   to,
			}},
		},
	}

	events := make([]domain.Event, 0)
	for _, cal := range cals {
		if !holdsEvents(cal) {
			continue
		}
		objects, err := client.QueryCalendar(ctx, cal.Path, query)
		if err != nil {
			return nil, fetchErr(fmt.Errorf("query calendar %s: %w", cal.Path, err))
		}
		for _, obj := range objects {
			if obj.Data == nil {
				continue
			}
			events = append(events, s.eventsFrom(ep.Hostname, obj.Data)...)
		}
	}

	s.logger.Debug("caldav calendars read",
		"calendar", ep.Hostname, "collections", len(cals), "events", len(events))
	return events, nil
}

func holdsEvents(cal caldav.Calendar) bool {
	if len(cal.SupportedComponentSet) == 0 {
		return true
	}
	for _, comp := range cal.SupportedComponentSet {
		if strings.EqualFold(comp, ical.CompEvent) {
			return true
		}
	}
	return false
}

// decode reads one or more VCALENDAR objects from r.
func (s *Source) decode(calendar string, r io.Reader) ([]domain.Event, error) {
	dec := ical.NewDecoder(r)
	events := make([]domain.Event, 0)
	for {
		cal, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		events = append(events, s.eventsFrom(calendar, cal)...)
	}
	return events, nil
}

func (s *Source) eventsFrom(calendar string, cal *ical.Calendar) []domain.Event {
	from, to := s.expansionWindow()
	vevents := cal.Events()

	// RECURRENCE-ID overrides replace the matching occurrence of their master.
	overridden := make(map[string][]time.Time)
	for i := range vevents {
		uid := propText(vevents[i].Props, ical.PropUID)
		if prop := vevents[i].Props.Get(ical.PropRecurrenceID); prop != nil && uid != "" {
			if t, err := prop.DateTime(s.loc); err == nil {
				overridden[uid] = append(overridden[uid], t)
			}
		}
	}

	var out []domain.Event
	for i := range vevents {
		ev := &vevents[i]
		e, err := s.convert(calendar, ev)
		if err != nil {
			s.logger.Warn("skipping unreadable event", "calendar", calendar, "uid", e.UID, "error", err)
			continue
		}

		if ev.Props.Get(ical.PropRecurrenceID) != nil || !e.HasStart() {
			out = append(out, e)
			continue
		}
		set, err := ev.RecurrenceSet(s.loc)
		if err != nil {
			s.logger.Warn("ignoring invalid recurrence rule", "calendar", calendar, "uid", e.UID, "error", err)
			out = append(out, e)
			continue
		}
		if set == nil {
			out = append(out, e)
			continue
		}
		for _, t := range overridden[e.UID] {
			set.ExDate(t)
		}
		out = append(out, recur.Expand(e, set, from, to)...)
	}
	return out
}

func (s *Source) convert(calendar string, ev *ical.Event) (domain.Event, error) {
	out := domain.Event{
		Calendar: calendar,
		UID:      propText(ev.Props, ical.PropUID),
		Title:    propText(ev.Props, ical.PropSummary),
		Location: propText(ev.Props, ical.PropLocation),
	}

	prop := ev.Props.Get(ical.PropDateTimeStart)
	if prop == nil {
		return out, nil
	}
	start, err := prop.DateTime(s.loc)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start = start
	if prop.Params.Get(ical.ParamValue) == string(ical.ValueDate) || !strings.Contains(prop.Value, "T") {
		out.AllDay = true
	}

	if end, err := ev.DateTimeEnd(s.loc); err == nil && end.After(start) {
		out.End = end
	}
	return out, nil
}

// expansionWindow is [today, today+horizon+1d) in the source's zone.
func (s *Source) expansionWindow() (time.Time, time.Time) {
	from := domain.StartOfDay(s.now(), s.loc)
	return from, from.AddDate(0, 0, s.horizonDays+1)
}

func propText(props ical.Props, name string) string {
	prop := props.Get(name)
	if prop == nil {
		return ""
	}
	text, err := prop.Text()
	if err != nil {
		return prop.Value
	}
	return text
}

func (s *Source) dialCollection(ep domain.Endpoint) (collection, string, error) {
	base, name, err := splitAddress(ep.Address)
	if err != nil {
		return nil, "", err
	}
	client, err := webdav.NewClient(s.httpClient(ep), base)
	if err != nil {
		return nil, "", fmt.Errorf("connect to WebDAV: %w", err)
	}
	return client, name, nil
}

func (s *Source) httpClient(ep domain.Endpoint) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if ep.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per calendar
	}

	var rt http.RoundTripper = transport
	if ep.HasCredentials() {
		rt = &basicAuthTransport{
			username: ep.Username,
			password: ep.Password,
			base:     transport,
		}
	}
	return &http.Client{Transport: rt, Timeout: s.timeout}
}

// basicAuthTransport adds Basic Auth to HTTP requests
type basicAuthTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(req)
}

// splitAddress separates scheme://host from the resource path so paths
// returned by listings can be opened as-is.
func splitAddress(address string) (string, string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("parse address: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("address %q is not an absolute URL", address)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return u.Scheme + "://" + u.Host, path, nil
}
