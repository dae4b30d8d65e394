package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/tazhate/calendarmail/internal/domain"
)

// Renderer turns a filtered event list into the digest text. Output depends
// only on its inputs and the configured location.
type Renderer struct {
	loc *time.Location
}

func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.Local
	}
	return &Renderer{loc: loc}
}

// Subject returns the mail subject for a digest sent on day.
func (r *Renderer) Subject(reminder string, day time.Time) string {
	return fmt.Sprintf("Calendar reminder [%s] %s", reminder, day.In(r.loc).Format(domain.DateLayout))
}

// Render returns the digest body, or "" when there is nothing to send.
func (r *Renderer) Render(rem domain.Reminder, calendars []string, events []domain.Event) string {
	if len(events) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Reminder %q: events in the next %s", rem.Name, days(rem.DaysInAdvance))
	if len(calendars) > 0 {
		fmt.Fprintf(&sb, " from %s", strings.Join(calendars, ", "))
	}
	sb.WriteString(".\n")

	for _, e := range events {
		sb.WriteString("\n")
		sb.WriteString(e.FormatWhen(r.loc))
		sb.WriteString("\n")
		sb.WriteString(strings.TrimSpace(e.Title))
		sb.WriteString("\n")
		if loc := strings.TrimSpace(e.Location); loc != "" {
			sb.WriteString("Location: ")
			sb.WriteString(loc)
			sb.WriteString("\n")
		}
	}

	fmt.Fprintf(&sb, "\n%s. Have a nice day.\n", countEvents(len(events)))
	return sb.String()
}

// Contributors lists, in first appearance order, the calendars that
// supplied events.
func Contributors(events []domain.Event) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range events {
		if e.Calendar == "" || seen[e.Calendar] {
			continue
		}
		seen[e.Calendar] = true
		out = append(out, e.Calendar)
	}
	return out
}

func days(n int) string {
	if n == 1 {
		return "day"
	}
	return fmt.Sprintf("%d days", n)
}

func countEvents(n int) string {
	if n == 1 {
		return "1 event"
	}
	return fmt.Sprintf("%d events", n)
}
