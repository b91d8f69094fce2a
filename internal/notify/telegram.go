package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// Telegram sends the outcome to a chat through a bot
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram creates a Telegram notifier. It contacts the Bot API to validate the token.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// NewTelegramWithBot wraps an existing bot client
func NewTelegramWithBot(bot *tgbotapi.BotAPI, chatID int64) *Telegram {
	return &Telegram{bot: bot, chatID: chatID}
}

// Notify implements Notifier. The Bot API client has no context support, so ctx only gates the
// attempt.
func (t *Telegram) Notify(ctx context.Context, o Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := o.Text()
	if len(text) > maxTelegramMessage {
		text = text[:maxTelegramMessage]
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
