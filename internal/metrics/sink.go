package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Reminder runs
	RunStarted(reminder string)
	RunCompleted(reminder, status string, duration time.Duration, events int)

	// Calendar fetches
	FetchCompleted(calendar, outcome string, duration time.Duration, events int)

	// Delivery
	DeliveryOutcome(channel, outcome string)

	// Scheduler
	JobsRegistered(recurring, immediate int)
	ScheduleError(reminder string)
}

// Outcome constants for fetch and delivery metrics.
const (
	OutcomeSuccess     = "success"
	OutcomeFetchError  = "fetch_error"
	OutcomeParseError  = "parse_error"
	OutcomeTimeout     = "timeout"
	OutcomeFailed      = "failed"
	OutcomeNoRecipient = "no_recipient"
)
