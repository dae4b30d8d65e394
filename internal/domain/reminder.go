package domain

import "strings"

// Reminder is a named digest: which days to look ahead, when to fire and
// who receives the result. Reminders are built once from configuration and
// never mutated afterwards.
type Reminder struct {
	Name          string
	DaysInAdvance int
	CronTrigger   string // empty means run once, immediately
	Receivers     []string
	TelegramChats []int64
}

// HasCron reports whether the reminder carries a cron expression at all.
// The expression itself is validated lazily when the trigger is realized.
func (r Reminder) HasCron() bool {
	return strings.TrimSpace(r.CronTrigger) != ""
}

// HasRecipients returns true if at least one delivery target is configured.
func (r Reminder) HasRecipients() bool {
	return len(r.Receivers) > 0 || len(r.TelegramChats) > 0
}

type TriggerKind string

const (
	TriggerImmediate TriggerKind = "immediate"
	TriggerRecurring TriggerKind = "recurring"
)

// Trigger is the realized firing rule of a reminder.
type Trigger struct {
	Kind TriggerKind
	Cron string // set for TriggerRecurring only
}

// Recurring reports whether the trigger keeps the process resident.
func (t Trigger) Recurring() bool {
	return t.Kind == TriggerRecurring
}

func (t Trigger) String() string {
	if t.Recurring() {
		return "cron(" + t.Cron + ")"
	}
	return string(TriggerImmediate)
}
