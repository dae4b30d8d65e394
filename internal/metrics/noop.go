package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) RunStarted(reminder string)                                           {}
func (n *NoopSink) RunCompleted(reminder, status string, d time.Duration, events int)    {}
func (n *NoopSink) FetchCompleted(calendar, outcome string, d time.Duration, events int) {}
func (n *NoopSink) DeliveryOutcome(channel, outcome string)                              {}
func (n *NoopSink) JobsRegistered(recurring, immediate int)                              {}
func (n *NoopSink) ScheduleError(reminder string)                                        {}
