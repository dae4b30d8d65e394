package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tazhate/calendarmail/internal/domain"
	"github.com/tazhate/calendarmail/internal/metrics"
)

type Aggregator interface {
	Aggregate(ctx context.Context, endpoints []domain.Endpoint, windowDays int) []domain.Event
}

type Dispatcher interface {
	Notify(ctx context.Context, rem domain.Reminder, d Digest) error
}

// RunJournal persists finished runs.
type RunJournal interface {
	RecordRun(ctx context.Context, run *domain.Run) error
}

// ReminderService runs the fetch, filter, render and send pipeline for one
// reminder.
type ReminderService struct {
	calendars Aggregator
	endpoints []domain.Endpoint
	renderer  *Renderer
	notifier  Dispatcher
	journal   RunJournal
	logger    *slog.Logger
	metrics   metrics.Sink
	now       func() time.Time
}

type ReminderOptions struct {
	Journal  RunJournal // optional
	Logger   *slog.Logger
	Metrics  metrics.Sink
	Location *time.Location
	Now      func() time.Time
}

func NewReminderService(calendars Aggregator, endpoints []domain.Endpoint, notifier Dispatcher, opts ReminderOptions) *ReminderService {
	s := &ReminderService{
		calendars: calendars,
		endpoints: endpoints,
		renderer:  NewRenderer(opts.Location),
		notifier:  notifier,
		journal:   opts.Journal,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNoopSink()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run executes rem once. An empty window is a normal skip. The returned
// error is the delivery failure, if any; the run is journaled either way.
func (s *ReminderService) Run(ctx context.Context, rem domain.Reminder, trigger domain.TriggerKind) (*domain.Run, error) {
	run := &domain.Run{
		ID:        uuid.NewString(),
		Reminder:  rem.Name,
		Trigger:   trigger,
		StartedAt: s.now(),
	}
	log := s.logger.With("reminder", rem.Name, "run", run.ID)
	log.Info("reminder run started", "trigger", trigger, "days", rem.DaysInAdvance)
	s.metrics.RunStarted(rem.Name)

	events := s.calendars.Aggregate(ctx, s.endpoints, rem.DaysInAdvance)
	run.Events = len(events)

	var err error
	body := s.renderer.Render(rem, Contributors(events), events)
	if body == "" {
		run.Status = domain.RunSkipped
		log.Info("no events in window, nothing to send")
	} else {
		err = s.notifier.Notify(ctx, rem, Digest{
			Subject:  s.renderer.Subject(rem.Name, run.StartedAt),
			Body:     body,
			Calendar: ExportICS(rem.Name, events, run.StartedAt),
		})
		if err != nil {
			run.Status = domain.RunFailed
			run.Error = err.Error()
		} else {
			run.Status = domain.RunSent
		}
	}

	run.FinishedAt = s.now()
	s.metrics.RunCompleted(rem.Name, string(run.Status), run.Duration(), run.Events)
	log.Info("reminder run finished", "status", run.Status, "events", run.Events, "took", run.Duration())

	if s.journal != nil {
		// the journal outlives a cancelled run context
		if jerr := s.journal.RecordRun(context.WithoutCancel(ctx), run); jerr != nil {
			log.Warn("record run failed", "error", jerr)
		}
	}
	return run, err
}
