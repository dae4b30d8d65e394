// Package recur expands recurring calendar events into concrete occurrences.
package recur

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/tazhate/calendarmail/internal/domain"
)

// MaxOccurrences caps the occurrences produced for one recurring master.
const MaxOccurrences = 1000

// FromRule builds a recurrence set from a raw RRULE value anchored at start.
// UNTIL values without a zone are read in loc.
func FromRule(rule string, start time.Time, exdates []time.Time, loc *time.Location) (*rrule.Set, error) {
	if loc == nil {
		loc = time.Local
	}
	opt, err := rrule.StrToROptionInLocation(rule, loc)
	if err != nil {
		return nil, fmt.Errorf("parse RRULE %q: %w", rule, err)
	}
	opt.Dtstart = start

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build RRULE %q: %w", rule, err)
	}

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range exdates {
		set.ExDate(ex)
	}
	return set, nil
}

// Expand turns a recurring master into the occurrences that may overlap
// [from, to). Each occurrence keeps the master's duration.
func Expand(master domain.Event, set *rrule.Set, from, to time.Time) []domain.Event {
	var span time.Duration
	switch {
	case !master.End.IsZero():
		span = master.End.Sub(master.Start)
	case master.AllDay:
		span = 24 * time.Hour
	}

	starts := set.Between(from.Add(-span), to, true)
	if len(starts) > MaxOccurrences {
		starts = starts[:MaxOccurrences]
	}

	out := make([]domain.Event, 0, len(starts))
	for _, st := range starts {
		occ := master
		occ.Start = st
		if !master.End.IsZero() {
			occ.End = st.Add(span)
		}
		out = append(out, occ)
	}
	return out
}
