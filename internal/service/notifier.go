package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tazhate/calendarmail/internal/bot"
	"github.com/tazhate/calendarmail/internal/clients/mail"
	"github.com/tazhate/calendarmail/internal/domain"
	"github.com/tazhate/calendarmail/internal/metrics"
)

const (
	ChannelMail     = "mail"
	ChannelTelegram = "telegram"
)

type MailSender interface {
	Send(ctx context.Context, m mail.Message) error
}

type ChatSender interface {
	Send(ctx context.Context, d bot.Digest) error
}

// Digest is a rendered reminder ready for delivery.
type Digest struct {
	Subject  string
	Body     string
	Calendar []byte
}

// Notifier fans a digest out to the reminder's mail receivers and Telegram
// chats. Either sender may be nil when the channel is not configured.
type Notifier struct {
	mail    MailSender
	chat    ChatSender
	logger  *slog.Logger
	metrics metrics.Sink
}

func NewNotifier(m MailSender, c ChatSender, logger *slog.Logger, sink metrics.Sink) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Notifier{mail: m, chat: c, logger: logger, metrics: sink}
}

// Notify delivers d on every channel the reminder uses. Each failed
// channel contributes a *domain.DeliveryError to the joined result.
func (n *Notifier) Notify(ctx context.Context, rem domain.Reminder, d Digest) error {
	if !rem.HasRecipients() {
		n.metrics.DeliveryOutcome(ChannelMail, metrics.OutcomeNoRecipient)
		return &domain.DeliveryError{Reminder: rem.Name, Channel: ChannelMail, Err: domain.ErrNoRecipients}
	}

	var errs []error
	if len(rem.Receivers) > 0 {
		errs = append(errs, n.deliver(rem.Name, ChannelMail, func() error {
			if n.mail == nil {
				return errors.New("no mail server configured")
			}
			return n.mail.Send(ctx, mail.Message{
				Recipients: rem.Receivers,
				Subject:    d.Subject,
				Body:       d.Body,
				Calendar:   d.Calendar,
			})
		}))
	}
	if len(rem.TelegramChats) > 0 {
		errs = append(errs, n.deliver(rem.Name, ChannelTelegram, func() error {
			if n.chat == nil {
				return errors.New("no telegram bot configured")
			}
			return n.chat.Send(ctx, bot.Digest{
				Chats:    rem.TelegramChats,
				Subject:  d.Subject,
				Body:     d.Body,
				Calendar: d.Calendar,
			})
		}))
	}
	return errors.Join(errs...)
}

func (n *Notifier) deliver(reminder, channel string, send func() error) error {
	err := send()
	if err == nil {
		n.metrics.DeliveryOutcome(channel, metrics.OutcomeSuccess)
		return nil
	}

	outcome := metrics.OutcomeFailed
	if errors.Is(err, domain.ErrNoRecipients) {
		outcome = metrics.OutcomeNoRecipient
	}
	n.metrics.DeliveryOutcome(channel, outcome)
	n.logger.Error("digest delivery failed", "reminder", reminder, "channel", channel, "error", err)
	return &domain.DeliveryError{Reminder: reminder, Channel: channel, Err: err}
}
