// Package bot delivers digests to Telegram chats.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tazhate/calendarmail/internal/domain"
)

// telegram rejects longer messages
const maxMessageLen = 4096

// API is the part of tgbotapi.BotAPI the bot uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Bot struct {
	api    API
	logger *slog.Logger
}

// New authorizes against the Bot API with token.
func New(token string, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	b := NewWithAPI(api, logger)
	b.logger.Info("telegram bot authorized", "username", api.Self.UserName)
	return b, nil
}

func NewWithAPI(api API, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{api: api, logger: logger}
}

// Digest is what gets posted to each chat.
type Digest struct {
	Chats    []int64
	Subject  string
	Body     string
	Calendar []byte // sent as events.ics document when set
}

// Send posts the digest to every chat. All chats are attempted; the
// returned error joins the failures.
func (b *Bot) Send(ctx context.Context, d Digest) error {
	if len(d.Chats) == 0 {
		return domain.ErrNoRecipients
	}

	text := formatMessage(d.Subject, d.Body)
	var errs []error
	for _, chatID := range d.Chats {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := b.SendMessage(chatID, text); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
			continue
		}
		if len(d.Calendar) > 0 {
			if err := b.sendDocument(chatID, "events.ics", d.Calendar); err != nil {
				errs = append(errs, fmt.Errorf("chat %d attachment: %w", chatID, err))
			}
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	b.logger.Info("telegram digest sent", "subject", d.Subject, "chats", len(d.Chats))
	return nil
}

func (b *Bot) SendMessage(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendDocument(chatID int64, name string, data []byte) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	_, err := b.api.Send(doc)
	return err
}

func formatMessage(subject, body string) string {
	head := "<b>" + html.EscapeString(subject) + "</b>\n\n"
	escaped := html.EscapeString(body)
	if len(head)+len(escaped) <= maxMessageLen {
		return head + escaped
	}

	const cut = "\n…"
	limit := maxMessageLen - len(head) - len(cut)
	if limit < 0 {
		limit = 0
	}
	escaped = escaped[:limit]
	// do not end inside an entity such as &amp;
	if i := strings.LastIndexByte(escaped, '&'); i >= 0 && !strings.Contains(escaped[i:], ";") {
		escaped = escaped[:i]
	}
	return head + strings.ToValidUTF8(escaped, "") + cut
}
