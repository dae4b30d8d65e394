package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/tazhate/calendarmail/internal/clients/recur"
	"github.com/tazhate/calendarmail/internal/domain"
)

// parsed is one VEVENT before recurrence expansion.
type parsed struct {
	event      domain.Event
	rrule      string
	exdates    []time.Time
	recurrence *time.Time // RECURRENCE-ID of an overriding instance
}

func (f *Fetcher) parse(calendar string, body []byte) ([]domain.Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	items := make([]parsed, 0)
	overridden := make(map[string][]time.Time)
	for _, ve := range cal.Events() {
		p, err := f.parseVEvent(calendar, ve)
		if err != nil {
			f.logger.Warn("ics vevent skipped", "calendar", calendar, "error", err)
			continue
		}
		if p.recurrence != nil && p.event.UID != "" {
			overridden[p.event.UID] = append(overridden[p.event.UID], *p.recurrence)
		}
		items = append(items, p)
	}

	from := domain.StartOfDay(f.now(), f.loc)
	to := from.AddDate(0, 0, f.horizonDays+1)

	events := make([]domain.Event, 0, len(items))
	for _, p := range items {
		if p.rrule == "" || p.recurrence != nil || !p.event.HasStart() {
			events = append(events, p.event)
			continue
		}
		exdates := append(p.exdates, overridden[p.event.UID]...)
		set, err := recur.FromRule(p.rrule, p.event.Start, exdates, f.loc)
		if err != nil {
			f.logger.Warn("ignoring invalid recurrence rule", "calendar", calendar, "uid", p.event.UID, "error", err)
			events = append(events, p.event)
			continue
		}
		events = append(events, recur.Expand(p.event, set, from, to)...)
	}
	return events, nil
}

func (f *Fetcher) parseVEvent(calendar string, ve *ical.VEvent) (parsed, error) {
	var out parsed
	out.event.Calendar = calendar

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.event.UID = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.event.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.event.Location = p.Value
	}

	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		allDay := isDateOnly(dtStart)
		var start time.Time
		var err error
		if allDay {
			start, err = ve.GetAllDayStartAt()
		} else {
			start, err = ve.GetStartAt()
		}
		if err != nil {
			return out, err
		}
		out.event.Start = f.rebase(dtStart, start)
		out.event.AllDay = allDay

		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			if end, err := ve.GetEndAt(); err == nil {
				end = f.rebase(dtEnd, end)
				if end.After(out.event.Start) {
					out.event.End = end
				}
			}
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.rrule = p.Value
	}
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, f.loc); err == nil {
				out.exdates = append(out.exdates, t)
			}
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		if t, err := parseICSTime(p.Value, f.loc); err == nil {
			out.recurrence = &t
		}
	}
	return out, nil
}

func isDateOnly(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

// rebase moves floating times (no TZID, no trailing Z), which the parser
// reads in time.Local, into the configured zone.
func (f *Fetcher) rebase(p *ical.IANAProperty, t time.Time) time.Time {
	if _, ok := p.ICalParameters["TZID"]; ok || strings.HasSuffix(p.Value, "Z") {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, f.loc)
}

// parseICSTime parses a bare DATE or DATE-TIME value as used by EXDATE and
// RECURRENCE-ID.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}
	return time.ParseInLocation("20060102", v, loc)
}
