package gateway

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summary() Summary {
	return Summary{
		RunID:      "r1",
		Query:      "Why did revenue grow?",
		Status:     "completed",
		BestReward: 7.4,
		Reached:    true,
		Iterations: 20,
		Elapsed:    90 * time.Second,
		ReportPath: "out/report.html",
	}
}

func TestSummaryText(t *testing.T) {
	text := summary().Text()
	assert.Contains(t, text, "*Report run r1 completed*")
	assert.Contains(t, text, "Best reward: 7.40 after 20 iterations (1m30s)")
	assert.Contains(t, text, "Report: out/report.html")

	s := summary()
	s.Reached = false
	assert.Contains(t, s.Text(), "No finished report after 20 iterations")
}

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c)
	return tgbotapi.Message{}, b.err
}

func TestTelegramNotifier(t *testing.T) {
	bot := &fakeBot{}
	n := &TelegramNotifier{Bot: bot, ChatID: 42}

	require.NoError(t, n.Notify(context.Background(), summary()))
	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, "Markdown", msg.ParseMode)

	s := summary()
	s.Snapshot = []byte("png")
	require.NoError(t, n.Notify(context.Background(), s))
	require.Len(t, bot.sent, 3)
	photo, ok := bot.sent[2].(tgbotapi.PhotoConfig)
	require.True(t, ok)
	assert.Equal(t, s.Query, photo.Caption)
}

func TestNewTelegramNotifierRejectsBadChatID(t *testing.T) {
	_, err := NewTelegramNotifier("token", "not-a-number")
	assert.Error(t, err)
}

type fakeSession struct {
	channel string
	msg     *discordgo.MessageSend
	file    []byte
}

func (s *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.channel = channelID
	s.msg = data
	if len(data.Files) > 0 {
		s.file, _ = io.ReadAll(data.Files[0].Reader)
	}
	return &discordgo.Message{}, nil
}

func TestDiscordNotifier(t *testing.T) {
	session := &fakeSession{}
	n := &DiscordNotifier{Session: session, ChannelID: "c1"}

	s := summary()
	s.Snapshot = []byte("png")
	require.NoError(t, n.Notify(context.Background(), s))
	assert.Equal(t, "c1", session.channel)
	assert.Equal(t, s.Text(), session.msg.Content)
	assert.Equal(t, "r1.png", session.msg.Files[0].Name)
	assert.Equal(t, []byte("png"), session.file)

	_, err := NewDiscordNotifier("token", "")
	assert.Error(t, err)
}

type failing struct{ name string }

func (f failing) Name() string { return f.name }
func (f failing) Notify(ctx context.Context, s Summary) error {
	return errors.New("unreachable")
}

func TestMultiCollectsErrors(t *testing.T) {
	bot := &fakeBot{}
	m := Multi{failing{"a"}, &TelegramNotifier{Bot: bot, ChatID: 1}, failing{"b"}}

	err := m.Notify(context.Background(), summary())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a: unreachable")
	assert.Contains(t, err.Error(), "b: unreachable")
	assert.Len(t, bot.sent, 1, "one failure does not stop the others")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Notify(ctx, summary()), context.Canceled)
}
