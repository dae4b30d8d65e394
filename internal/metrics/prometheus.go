package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	runsInFlight  prometheus.Gauge
	eventsInRun   prometheus.Histogram
	fetchesTotal  *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	fetchedEvents *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	registered    *prometheus.GaugeVec
	scheduleErrs  *prometheus.CounterVec
}

// NewPrometheusSink creates a sink whose collectors are registered on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initRunMetrics(reg)
	s.initFetchMetrics(reg)
	s.initDeliveryMetrics(reg)
	return s
}

func (s *PrometheusSink) initRunMetrics(reg prometheus.Registerer) {
	s.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calendarmail_reminder_runs_total",
		Help: "Total number of reminder runs by final status.",
	}, []string{"reminder", "status"})
	s.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calendarmail_reminder_run_duration_seconds",
		Help:    "Duration of a reminder run (fetch, filter, render, send).",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"reminder"})
	s.runsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "calendarmail_reminder_runs_in_flight",
		Help: "Number of reminder runs currently executing.",
	})
	s.eventsInRun = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "calendarmail_reminder_events",
		Help:    "Number of events in the window of a reminder run.",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})
	s.registered = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "calendarmail_scheduler_jobs",
		Help: "Registered reminder jobs by trigger kind.",
	}, []string{"trigger"})
	s.scheduleErrs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calendarmail_scheduler_errors_total",
		Help: "Reminders that could not be scheduled.",
	}, []string{"reminder"})

	s.register(reg, s.runsTotal, "calendarmail_reminder_runs_total")
	s.register(reg, s.runDuration, "calendarmail_reminder_run_duration_seconds")
	s.register(reg, s.runsInFlight, "calendarmail_reminder_runs_in_flight")
	s.register(reg, s.eventsInRun, "calendarmail_reminder_events")
	s.register(reg, s.registered, "calendarmail_scheduler_jobs")
	s.register(reg, s.scheduleErrs, "calendarmail_scheduler_errors_total")
}

func (s *PrometheusSink) initFetchMetrics(reg prometheus.Registerer) {
	s.fetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calendarmail_calendar_fetches_total",
		Help: "Total number of calendar fetches by outcome.",
	}, []string{"calendar", "outcome"})
	s.fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "calendarmail_calendar_fetch_duration_seconds",
		Help:    "Calendar fetch latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.fetchedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calendarmail_calendar_events_fetched_total",
		Help: "Events returned by calendar sources before filtering.",
	}, []string{"calendar"})

	s.register(reg, s.fetchesTotal, "calendarmail_calendar_fetches_total")
	s.register(reg, s.fetchDuration, "calendarmail_calendar_fetch_duration_seconds")
	s.register(reg, s.fetchedEvents, "calendarmail_calendar_events_fetched_total")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "calendarmail_deliveries_total",
		Help: "Digest deliveries by channel and outcome.",
	}, []string{"channel", "outcome"})

	s.register(reg, s.deliveries, "calendarmail_deliveries_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "error", err)
	}
}

func (s *PrometheusSink) RunStarted(reminder string) {
	s.runsInFlight.Inc()
}

func (s *PrometheusSink) RunCompleted(reminder, status string, duration time.Duration, events int) {
	s.runsInFlight.Dec()
	s.runsTotal.WithLabelValues(reminder, status).Inc()
	s.runDuration.WithLabelValues(reminder).Observe(duration.Seconds())
	s.eventsInRun.Observe(float64(events))
}

func (s *PrometheusSink) FetchCompleted(calendar, outcome string, duration time.Duration, events int) {
	s.fetchesTotal.WithLabelValues(calendar, outcome).Inc()
	s.fetchDuration.Observe(duration.Seconds())
	s.fetchedEvents.WithLabelValues(calendar).Add(float64(events))
}

func (s *PrometheusSink) DeliveryOutcome(channel, outcome string) {
	s.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (s *PrometheusSink) JobsRegistered(recurring, immediate int) {
	s.registered.WithLabelValues("recurring").Set(float64(recurring))
	s.registered.WithLabelValues("immediate").Set(float64(immediate))
}

func (s *PrometheusSink) ScheduleError(reminder string) {
	s.scheduleErrs.WithLabelValues(reminder).Inc()
}
