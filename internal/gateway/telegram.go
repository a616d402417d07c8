package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramNotifier struct {
	Bot    telegramSender
	ChatID int64
}

func NewTelegramNotifier(token, chatID string) (*TelegramNotifier, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("invalid chat ID: %s", chatID)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	return &TelegramNotifier{Bot: bot, ChatID: id}, nil
}

func (tg *TelegramNotifier) Name() string { return "telegram" }

func (tg *TelegramNotifier) Notify(ctx context.Context, s Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(tg.ChatID, s.Text())
	msg.ParseMode = "Markdown"
	if _, err := tg.Bot.Send(msg); err != nil {
		return err
	}
	if len(s.Snapshot) == 0 {
		return nil
	}
	photo := tgbotapi.NewPhoto(tg.ChatID, tgbotapi.FileBytes{Name: s.RunID + ".png", Bytes: s.Snapshot})
	photo.Caption = s.Query
	_, err := tg.Bot.Send(photo)
	return err
}
