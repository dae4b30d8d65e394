package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tazhate/calendarmail/internal/domain"
	"github.com/tazhate/calendarmail/internal/metrics"
)

const defaultInitialWait = time.Minute

// ErrUnavailable is returned when the scheduler cannot be started.
var ErrUnavailable = errors.New("scheduler unavailable")

// Parser accepts standard five-field expressions, an optional leading
// seconds field and descriptors such as @daily or @every 1h.
var Parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner executes one reminder.
type Runner interface {
	Run(ctx context.Context, rem domain.Reminder, trigger domain.TriggerKind) (*domain.Run, error)
}

type Options struct {
	Location *time.Location
	Logger   *slog.Logger
	Metrics  metrics.Sink
	// InitialWait bounds how long a non-resident process waits for its
	// immediate jobs before starting the shutdown.
	InitialWait time.Duration
	// Single forces every reminder to run once, immediately.
	Single bool
}

type job struct {
	reminder domain.Reminder
	trigger  domain.Trigger
	entry    cron.EntryID
}

type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	opts   Options
	logger *slog.Logger
	sink   metrics.Sink

	mu       sync.Mutex
	jobs     map[string]*job
	order    []string
	guards   map[string]*sync.Mutex
	failures []error
	started  bool
	stopped  bool

	inflight sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc
}

func New(runner Runner, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopSink()
	}
	if opts.InitialWait <= 0 {
		opts.InitialWait = defaultInitialWait
	}

	cronLog := cronLogger{opts.Logger}
	c := cron.New(
		cron.WithLocation(opts.Location),
		cron.WithParser(Parser),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   c,
		runner: runner,
		opts:   opts,
		logger: opts.Logger,
		sink:   opts.Metrics,
		jobs:   make(map[string]*job),
		guards: make(map[string]*sync.Mutex),
		runCtx: ctx,
		cancel: cancel,
	}
}

// BuildTrigger realizes the firing rule of rem. A reminder without a cron
// expression, or any reminder in single mode, runs once immediately.
func BuildTrigger(rem domain.Reminder, single bool) (domain.Trigger, error) {
	if single || !rem.HasCron() {
		return domain.Trigger{Kind: domain.TriggerImmediate}, nil
	}
	spec := strings.TrimSpace(rem.CronTrigger)
	if _, err := Parser.Parse(spec); err != nil {
		return domain.Trigger{}, &domain.ScheduleError{Reminder: rem.Name, Spec: spec, Err: err}
	}
	return domain.Trigger{Kind: domain.TriggerRecurring, Cron: spec}, nil
}

// Register adds a job for every reminder. Reminders that cannot be
// scheduled are logged and skipped; their errors are returned.
func (s *Scheduler) Register(reminders []domain.Reminder) []error {
	var errs []error
	for _, rem := range reminders {
		if err := s.add(rem); err != nil {
			s.sink.ScheduleError(rem.Name)
			s.logger.Error("reminder not scheduled", "reminder", rem.Name, "error", err)
			errs = append(errs, err)
		}
	}

	recurring, immediate := s.counts()
	s.sink.JobsRegistered(recurring, immediate)
	s.logger.Info("reminders registered", "recurring", recurring, "immediate", immediate, "skipped", len(errs))
	return errs
}

func (s *Scheduler) add(rem domain.Reminder) error {
	trigger, err := BuildTrigger(rem, s.opts.Single)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return &domain.ScheduleError{Reminder: rem.Name, Spec: trigger.Cron, Err: ErrUnavailable}
	}
	if _, ok := s.jobs[rem.Name]; ok {
		return &domain.ScheduleError{Reminder: rem.Name, Spec: trigger.Cron, Err: errors.New("duplicate reminder name")}
	}

	j := &job{reminder: rem, trigger: trigger}
	if trigger.Recurring() {
		sched, err := Parser.Parse(trigger.Cron)
		if err != nil {
			return &domain.ScheduleError{Reminder: rem.Name, Spec: trigger.Cron, Err: err}
		}
		j.entry = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(j) }))
	}
	s.jobs[rem.Name] = j
	s.order = append(s.order, rem.Name)
	s.guards[rem.Name] = &sync.Mutex{}

	if trigger.Recurring() && s.started {
		s.logNext(j)
	}
	return nil
}

// Jobs returns the registered triggers by reminder name.
func (s *Scheduler) Jobs() map[string]domain.Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Trigger, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.trigger
	}
	return out
}

// Resident reports whether any recurring job is registered.
func (s *Scheduler) Resident() bool {
	recurring, _ := s.counts()
	return recurring > 0
}

func (s *Scheduler) counts() (recurring, immediate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.trigger.Recurring() {
			recurring++
		} else {
			immediate++
		}
	}
	return recurring, immediate
}

// Run starts the clock and the immediate jobs. With recurring jobs it
// blocks until ctx is done; otherwise it waits for the immediate jobs and
// shuts down on its own. In single mode the delivery failures of the run
// are returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return ErrUnavailable
	}
	s.started = true
	var immediate []*job
	for _, name := range s.order {
		j := s.jobs[name]
		if j.trigger.Recurring() {
			s.logNext(j)
		} else {
			immediate = append(immediate, j)
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "tz", s.opts.Location.String())

	for _, j := range immediate {
		j := j
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.fire(j)
		}()
	}

	if s.Resident() {
		s.logger.Info("recurring reminders registered, staying resident")
		<-ctx.Done()
		s.Stop()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Info("interrupted, waiting for running reminders")
	case <-time.After(s.opts.InitialWait):
		s.logger.Warn("immediate reminders still running, waiting for them to finish", "waited", s.opts.InitialWait)
	}
	s.logger.Info("no recurring reminders, shutting down")
	s.Stop()

	if s.opts.Single {
		s.mu.Lock()
		defer s.mu.Unlock()
		return errors.Join(s.failures...)
	}
	return nil
}

// Stop waits for running jobs and prevents new registrations.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.inflight.Wait()
	s.cancel()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) fire(j *job) {
	name := j.reminder.Name
	s.mu.Lock()
	guard := s.guards[name]
	s.mu.Unlock()

	if !guard.TryLock() {
		s.logger.Warn("reminder still running, skipping", "reminder", name)
		return
	}
	defer guard.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reminder panicked", "reminder", name, "panic", fmt.Sprint(r))
		}
	}()

	_, err := s.runner.Run(s.runCtx, j.reminder, j.trigger.Kind)
	if err == nil {
		return
	}
	s.logger.Error("reminder run failed", "reminder", name, "error", err)
	if !j.trigger.Recurring() {
		s.mu.Lock()
		s.failures = append(s.failures, err)
		s.mu.Unlock()
	}
}

// caller holds s.mu
func (s *Scheduler) logNext(j *job) {
	next := s.cron.Entry(j.entry).Next
	if next.IsZero() {
		if sched, err := Parser.Parse(j.trigger.Cron); err == nil {
			next = sched.Next(time.Now().In(s.opts.Location))
		}
	}
	s.logger.Info("reminder scheduled", "reminder", j.reminder.Name, "cron", j.trigger.Cron, "next", next.Format(time.RFC3339))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
