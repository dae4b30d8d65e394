package service

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/tazhate/calendarmail/internal/domain"
)

// ExportICS serializes the digest events into a standalone VCALENDAR that
// recipients can import. Occurrences of one recurring event share a UID
// upstream, so every exported event gets its own.
func ExportICS(name string, events []domain.Event, stamp time.Time) []byte {
	if len(events) == 0 {
		return nil
	}

	cal := ical.NewCalendarFor("calendarmail")
	cal.SetMethod(ical.MethodPublish)
	cal.SetXWRCalName(name)

	seen := make(map[string]bool, len(events))
	for _, e := range events {
		uid := e.UID
		if uid == "" || seen[uid] {
			uid = fmt.Sprintf("%s-%d@calendarmail", e.UID, e.Start.Unix())
		}
		seen[uid] = true

		ev := cal.AddEvent(uid)
		ev.SetDtStampTime(stamp)
		ev.SetSummary(e.Title)
		if e.Location != "" {
			ev.SetLocation(e.Location)
		}

		start, end := e.Interval()
		if e.AllDay {
			ev.SetAllDayStartAt(start)
			ev.SetAllDayEndAt(end)
			continue
		}
		ev.SetStartAt(start)
		if end.After(start) {
			ev.SetEndAt(end)
		}
	}
	return []byte(cal.Serialize())
}
