package domain

import "time"

type RunStatus string

const (
	RunSent    RunStatus = "sent"
	RunSkipped RunStatus = "skipped" // no events in the window
	RunFailed  RunStatus = "failed"
)

// Run is one execution of a reminder job, as stored in the journal.
type Run struct {
	ID         string
	Reminder   string
	Trigger    TriggerKind
	StartedAt  time.Time
	FinishedAt time.Time
	Events     int
	Status     RunStatus
	Error      string
}

// Duration returns how long the run took.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
