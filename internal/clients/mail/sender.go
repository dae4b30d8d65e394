// Package mail delivers digests over SMTP.
package mail

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	netmail "net/mail"
	"time"

	gomail "gopkg.in/mail.v2"

	"github.com/tazhate/calendarmail/internal/domain"
)

// AttachmentName is the file name of the iCalendar attachment.
const AttachmentName = "events.ics"

// Settings describe the SMTP server.
type Settings struct {
	Host       string
	Port       int
	Username   string
	Password   string
	SSLConnect bool
	From       string
}

// Transport sends composed messages. *gomail.Dialer implements it.
type Transport interface {
	DialAndSend(m ...*gomail.Message) error
}

// Message is one outgoing digest.
type Message struct {
	Recipients []string
	Subject    string
	Body       string
	Calendar   []byte // optional .ics attachment
}

type Sender struct {
	transport Transport
	from      string
	logger    *slog.Logger
	now       func() time.Time
}

// NewSender creates an SMTP sender for the given server.
func NewSender(s Settings, logger *slog.Logger) *Sender {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	if s.SSLConnect {
		d.SSL = true
	}
	return NewSenderWithTransport(d, s.From, logger)
}

// NewSenderWithTransport creates a sender using an existing transport.
func NewSenderWithTransport(t Transport, from string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{transport: t, from: from, logger: logger, now: time.Now}
}

// Send mails msg. The sender address is the visible recipient; the
// configured receivers are blind copies so they do not see each other.
// Invalid receiver addresses are logged and skipped.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	bcc := make([]string, 0, len(msg.Recipients))
	for _, r := range msg.Recipients {
		addr, err := netmail.ParseAddress(r)
		if err != nil {
			s.logger.Warn("skipping invalid receiver", "receiver", r, "error", err)
			continue
		}
		bcc = append(bcc, addr.Address)
	}
	if len(bcc) == 0 {
		return domain.ErrNoRecipients
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.from)
	m.SetHeader("Bcc", bcc...)
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", s.now())
	m.SetBody("text/plain", msg.Body)
	if len(msg.Calendar) > 0 {
		m.AttachReader(AttachmentName, bytes.NewReader(msg.Calendar),
			gomail.SetHeader(map[string][]string{
				"Content-Type": {"text/calendar; charset=UTF-8; method=PUBLISH"},
			}))
	}

	if err := s.transport.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Info("mail sent", "subject", msg.Subject, "receivers", len(bcc))
	return nil
}
