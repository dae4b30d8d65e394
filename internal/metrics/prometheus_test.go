package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg), reg
}

func TestRunMetrics(t *testing.T) {
	sink, _ := newTestSink(t)

	sink.RunStarted("weekly")
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runsInFlight))

	sink.RunCompleted("weekly", "sent", 2*time.Second, 3)
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.runsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runsTotal.WithLabelValues("weekly", "sent")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.runsTotal.WithLabelValues("weekly", "failed")))
}

func TestFetchAndDeliveryMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.FetchCompleted("family", OutcomeSuccess, 300*time.Millisecond, 4)
	sink.FetchCompleted("family", OutcomeFetchError, time.Second, 0)
	sink.DeliveryOutcome("mail", OutcomeSuccess)
	sink.JobsRegistered(2, 1)
	sink.ScheduleError("broken")

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.fetchesTotal.WithLabelValues("family", OutcomeSuccess)))
	assert.Equal(t, 4.0, testutil.ToFloat64(sink.fetchedEvents.WithLabelValues("family")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.deliveries.WithLabelValues("mail", OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.registered.WithLabelValues("recurring")))

	expected := `
# HELP calendarmail_scheduler_errors_total Reminders that could not be scheduled.
# TYPE calendarmail_scheduler_errors_total counter
calendarmail_scheduler_errors_total{reminder="broken"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "calendarmail_scheduler_errors_total"))
}

func TestDoubleRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg)
	assert.NotPanics(t, func() {
		s := NewPrometheusSink(reg)
		s.RunStarted("x")
		s.RunCompleted("x", "sent", time.Millisecond, 0)
	})
}

func TestNoopSinkSatisfiesInterface(t *testing.T) {
	var s Sink = NewNoopSink()
	s.RunStarted("x")
	s.RunCompleted("x", "sent", 0, 0)
	s.FetchCompleted("c", OutcomeSuccess, 0, 0)
	s.DeliveryOutcome("mail", OutcomeFailed)
	s.JobsRegistered(0, 0)
	s.ScheduleError("x")
}
