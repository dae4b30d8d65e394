package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/calendarmail/internal/domain"
)

type call struct {
	name    string
	trigger domain.TriggerKind
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	fired chan string
	err   error
	delay time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fired: make(chan string, 16)}
}

func (f *fakeRunner) Run(_ context.Context, rem domain.Reminder, trigger domain.TriggerKind) (*domain.Run, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	f.calls = append(f.calls, call{rem.Name, trigger})
	f.mu.Unlock()
	f.fired <- rem.Name
	return &domain.Run{Reminder: rem.Name, Trigger: trigger}, f.err
}

func (f *fakeRunner) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestBuildTrigger(t *testing.T) {
	tr, err := BuildTrigger(domain.Reminder{Name: "once"}, false)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerImmediate, tr.Kind)

	tr, err = BuildTrigger(domain.Reminder{Name: "weekly", CronTrigger: " 0 8 * * MON "}, false)
	require.NoError(t, err)
	assert.Equal(t, domain.Trigger{Kind: domain.TriggerRecurring, Cron: "0 8 * * MON"}, tr)

	tr, err = BuildTrigger(domain.Reminder{Name: "weekly", CronTrigger: "0 8 * * MON"}, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerImmediate, tr.Kind, "single mode overrides cron")

	for _, spec := range []string{"0 0 8 * * MON", "@daily", "@every 2h"} {
		_, err := BuildTrigger(domain.Reminder{Name: "x", CronTrigger: spec}, false)
		assert.NoError(t, err, spec)
	}
}

func TestBuildTriggerRejectsMalformedCron(t *testing.T) {
	_, err := BuildTrigger(domain.Reminder{Name: "weekly", CronTrigger: "* * *"}, false)

	var se *domain.ScheduleError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "weekly", se.Reminder)
	assert.Equal(t, "* * *", se.Spec)
}

func TestMalformedCronSkippedOthersFire(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, Options{Location: time.UTC})

	errs := s.Register([]domain.Reminder{
		{Name: "weekly", CronTrigger: "* * *"},
		{Name: "every-second", CronTrigger: "* * * * * *"},
	})
	require.Len(t, errs, 1)
	var se *domain.ScheduleError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, "weekly", se.Reminder)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.True(t, jobs["every-second"].Recurring())
	assert.True(t, s.Resident())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case name := <-runner.fired:
		assert.Equal(t, "every-second", name)
	case <-time.After(3 * time.Second):
		t.Fatal("recurring reminder did not fire")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, domain.TriggerRecurring, runner.snapshot()[0].trigger)
}

func TestNoRecurringShutsDownOnItsOwn(t *testing.T) {
	runner := newFakeRunner()
	s := New(runner, Options{Location: time.UTC, InitialWait: 5 * time.Second})

	require.Empty(t, s.Register([]domain.Reminder{{Name: "a"}, {Name: "b"}}))
	assert.False(t, s.Resident())

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler stayed resident")
	}

	calls := runner.snapshot()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, domain.TriggerImmediate, c.trigger)
	}
}

func TestZeroRemindersShutDown(t *testing.T) {
	s := New(newFakeRunner(), Options{})
	assert.Empty(t, s.Register(nil))

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler with no reminders did not shut down")
	}
}

func TestShutdownWaitsForInflightJobs(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 300 * time.Millisecond
	s := New(runner, Options{InitialWait: 10 * time.Millisecond})
	s.Register([]domain.Reminder{{Name: "slow"}})

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, runner.snapshot(), 1, "running job finished before Run returned")
}

func TestSingleOverrideRunsOnceAndReportsFailure(t *testing.T) {
	runner := newFakeRunner()
	boom := &domain.DeliveryError{Reminder: "weekly", Channel: "mail", Err: errors.New("refused")}
	runner.err = boom

	s := New(runner, Options{Single: true})
	require.Empty(t, s.Register([]domain.Reminder{{Name: "weekly", CronTrigger: "0 8 * * MON"}}))
	assert.Equal(t, domain.TriggerImmediate, s.Jobs()["weekly"].Kind)
	assert.False(t, s.Resident())

	err := s.Run(context.Background())
	var de *domain.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "weekly", de.Reminder)
	assert.Len(t, runner.snapshot(), 1)
}

func TestBatchRunDoesNotPropagateFailures(t *testing.T) {
	runner := newFakeRunner()
	runner.err = &domain.DeliveryError{Reminder: "a", Channel: "mail", Err: errors.New("refused")}

	s := New(runner, Options{})
	s.Register([]domain.Reminder{{Name: "a"}})
	assert.NoError(t, s.Run(context.Background()))
}

func TestDuplicateNameRejected(t *testing.T) {
	s := New(newFakeRunner(), Options{})
	errs := s.Register([]domain.Reminder{{Name: "a"}, {Name: "a", CronTrigger: "@daily"}})
	require.Len(t, errs, 1)
	assert.Len(t, s.Jobs(), 1)
}

func TestRunTwiceIsUnavailable(t *testing.T) {
	s := New(newFakeRunner(), Options{})
	require.NoError(t, s.Run(context.Background()))
	assert.ErrorIs(t, s.Run(context.Background()), ErrUnavailable)

	errs := s.Register([]domain.Reminder{{Name: "late"}})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrUnavailable)
}
