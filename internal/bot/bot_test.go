package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tazhate/calendarmail/internal/domain"
)

type fakeAPI struct {
	sent   []tgbotapi.Chattable
	failOn int64
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		if m.ChatID == f.failOn {
			return tgbotapi.Message{}, errors.New("chat not found")
		}
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func TestSendPostsToEveryChat(t *testing.T) {
	api := &fakeAPI{}
	b := NewWithAPI(api, nil)

	err := b.Send(context.Background(), Digest{
		Chats:    []int64{1, 2},
		Subject:  "Calendar reminder [weekly] 10.03.2026",
		Body:     "Tom & Jerry <show>",
		Calendar: []byte("BEGIN:VCALENDAR"),
	})
	require.NoError(t, err)
	require.Len(t, api.sent, 4)

	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(1), msg.ChatID)
	assert.Equal(t, "HTML", msg.ParseMode)
	assert.Contains(t, msg.Text, "<b>Calendar reminder [weekly] 10.03.2026</b>")
	assert.Contains(t, msg.Text, "Tom &amp; Jerry &lt;show&gt;")

	doc, ok := api.sent[1].(tgbotapi.DocumentConfig)
	require.True(t, ok)
	assert.Equal(t, int64(1), doc.ChatID)
}

func TestSendContinuesAfterFailure(t *testing.T) {
	api := &fakeAPI{failOn: 1}
	b := NewWithAPI(api, nil)

	err := b.Send(context.Background(), Digest{Chats: []int64{1, 2}, Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat 1")
	require.Len(t, api.sent, 1)
	assert.Equal(t, int64(2), api.sent[0].(tgbotapi.MessageConfig).ChatID)
}

func TestSendWithoutChats(t *testing.T) {
	err := NewWithAPI(&fakeAPI{}, nil).Send(context.Background(), Digest{})
	assert.ErrorIs(t, err, domain.ErrNoRecipients)
}

func TestFormatMessageTruncates(t *testing.T) {
	body := strings.Repeat("ü&", 3000)
	text := formatMessage("subject", body)
	assert.LessOrEqual(t, len(text), maxMessageLen)
	assert.True(t, utf8.ValidString(text))
	assert.True(t, strings.HasSuffix(text, "\n…"))
}
