package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tazhate/calendarmail/config"
	"github.com/tazhate/calendarmail/internal/bot"
	"github.com/tazhate/calendarmail/internal/clients/caldav"
	"github.com/tazhate/calendarmail/internal/clients/ics"
	"github.com/tazhate/calendarmail/internal/clients/mail"
	"github.com/tazhate/calendarmail/internal/domain"
	"github.com/tazhate/calendarmail/internal/metrics"
	"github.com/tazhate/calendarmail/internal/scheduler"
	"github.com/tazhate/calendarmail/internal/security"
	"github.com/tazhate/calendarmail/internal/service"
	"github.com/tazhate/calendarmail/internal/storage"
)

func runReminders(ctx context.Context, opts *options) error {
	logger := opts.logger()
	slog.SetDefault(logger)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	warnings, err := cfg.Validate()
	for _, w := range warnings {
		logger.Warn("configuration warning", "detail", w)
	}
	if err != nil {
		return err
	}

	resolver := security.NewResolver(opts.passphraseSource(), logger)
	resolved, err := cfg.ResolveSecrets(resolver)
	if err != nil {
		return err
	}

	reminders := resolved.ReminderDefinitions()
	single := opts.single
	if opts.reminder != "" {
		rem, err := resolved.FindReminder(opts.reminder)
		if err != nil {
			return &domain.ConfigError{Err: err}
		}
		reminders = []domain.Reminder{rem}
		single = true
	}

	loc := resolved.Location()

	var journal service.RunJournal
	store, err := storage.New(resolved.DatabasePath)
	if err != nil {
		logger.Warn("run journal unavailable, runs will not be recorded", "path", resolved.DatabasePath, "error", err)
	} else {
		defer store.Close()
		journal = store
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sink := metrics.NewPrometheusSink(reg)

	horizon := resolved.MaxLookahead()
	dav := caldav.NewSource(logger,
		caldav.WithTimeout(resolved.FetchTimeout),
		caldav.WithLocation(loc),
		caldav.WithHorizonDays(horizon),
	)
	feeds := ics.NewFetcher(logger,
		ics.WithTimeout(resolved.FetchTimeout),
		ics.WithLocation(loc),
		ics.WithHorizonDays(horizon),
	)
	calendars := service.NewCalendarService(map[domain.CalendarKind]service.Source{
		domain.KindWebDAV: dav,
		domain.KindCalDAV: dav,
		domain.KindICS:    feeds,
	}, service.CalendarOptions{
		FetchTimeout: resolved.FetchTimeout,
		Location:     loc,
		Logger:       logger,
		Metrics:      sink,
	})

	notifier := service.NewNotifier(newMailSender(resolved, logger), newChatSender(resolved, logger), logger, sink)
	pipeline := service.NewReminderService(calendars, resolved.Endpoints(), notifier, service.ReminderOptions{
		Journal:  journal,
		Logger:   logger,
		Metrics:  sink,
		Location: loc,
	})

	sched := scheduler.New(pipeline, scheduler.Options{
		Location:    loc,
		Logger:      logger,
		Metrics:     sink,
		InitialWait: resolved.InitialWait,
		Single:      single,
	})
	sched.Register(reminders)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sched.Resident() && resolved.MetricsListen != "" {
		srv := serveMetrics(resolved.MetricsListen, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown", "error", err)
			}
		}()
	}

	logger.Info("calendarmail started", "config", opts.configPath, "reminders", len(reminders), "single", single)
	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("run reminders: %w", err)
	}
	logger.Info("calendarmail stopped")
	return nil
}

// newMailSender returns nil when no SMTP server is configured.
func newMailSender(cfg *config.Config, logger *slog.Logger) service.MailSender {
	if !cfg.EmailServer.Configured() {
		return nil
	}
	return mail.NewSender(mail.Settings{
		Host:       cfg.EmailServer.Hostname,
		Port:       cfg.EmailServer.SMTPPort,
		Username:   cfg.EmailServer.Username,
		Password:   cfg.EmailServer.Password,
		SSLConnect: cfg.EmailServer.SSLConnect,
		From:       cfg.EmailServer.From,
	}, logger)
}

// newChatSender returns nil when Telegram is not configured or the bot
// cannot be authorized; reminders with chats then fail delivery.
func newChatSender(cfg *config.Config, logger *slog.Logger) service.ChatSender {
	if cfg.Telegram.Token == "" {
		return nil
	}
	b, err := bot.New(cfg.Telegram.Token, logger)
	if err != nil {
		logger.Error("telegram unavailable", "error", err)
		return nil
	}
	return b
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
