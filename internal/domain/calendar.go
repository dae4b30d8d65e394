package domain

import "time"

const (
	DateLayout     = "02.01.2006"
	DateTimeLayout = "02.01.2006 15:04"
)

// CalendarKind selects how an endpoint is read.
type CalendarKind string

const (
	KindWebDAV CalendarKind = "webdav" // collection listing or single .ics resource
	KindCalDAV CalendarKind = "caldav" // principal discovery + calendar-query
	KindICS    CalendarKind = "ics"    // plain HTTP subscription
)

// Valid reports whether k is a known calendar kind.
func (k CalendarKind) Valid() bool {
	switch k {
	case KindWebDAV, KindCalDAV, KindICS:
		return true
	}
	return false
}

// Endpoint describes one remote calendar. Password is already resolved
// (decrypted) when an Endpoint reaches a calendar source.
type Endpoint struct {
	Hostname           string
	Address            string
	Kind               CalendarKind
	Username           string
	Password           string
	InsecureSkipVerify bool
}

// HasCredentials returns true if basic auth should be sent.
func (e Endpoint) HasCredentials() bool {
	return e.Username != "" && e.Password != ""
}

// Event is a single calendar occurrence as seen by the aggregator.
type Event struct {
	UID      string
	Calendar string // hostname of the endpoint it came from
	Title    string
	Location string
	Start    time.Time
	End      time.Time // zero when the source gave no end
	AllDay   bool
}

// HasStart reports whether the event can take part in window filtering.
func (e Event) HasStart() bool {
	return !e.Start.IsZero()
}

// Interval returns the half-open [start, end) span of the event. Events
// without a usable end collapse to an instant, except all-day events which
// cover the whole day.
func (e Event) Interval() (time.Time, time.Time) {
	end := e.End
	if end.IsZero() || end.Before(e.Start) {
		end = e.Start
		if e.AllDay {
			end = e.Start.AddDate(0, 0, 1)
		}
	}
	return e.Start, end
}

// Overlaps reports whether the event intersects [from, to).
func (e Event) Overlaps(from, to time.Time) bool {
	if !e.HasStart() || !from.Before(to) {
		return false
	}
	start, end := e.Interval()
	if start.Equal(end) {
		return !start.Before(from) && start.Before(to)
	}
	return start.Before(to) && end.After(from)
}

// FormatWhen renders the event time span in loc, e.g.
// "24.12.2026 18:00 - 24.12.2026 22:00" or "24.12.2026" for all-day events.
func (e Event) FormatWhen(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	start := e.Start.In(loc)
	if e.AllDay {
		_, end := e.Interval()
		last := end.In(loc).AddDate(0, 0, -1)
		if !last.After(start) {
			return start.Format(DateLayout)
		}
		return start.Format(DateLayout) + " - " + last.Format(DateLayout)
	}
	if e.End.IsZero() || !e.End.After(e.Start) {
		return start.Format(DateTimeLayout)
	}
	return start.Format(DateTimeLayout) + " - " + e.End.In(loc).Format(DateTimeLayout)
}

// StartOfDay returns local midnight of t in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
