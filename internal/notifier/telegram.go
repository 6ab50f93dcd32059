package notifier

import (
	"context"
	"strconv"
	"strings"

	"changeobserver/internal/fault"

	tele "gopkg.in/telebot.v4"
)

const ChannelTelegram = "telegram"

// TelegramConfig configures the operator chat sender.
type TelegramConfig struct {
	Token string
	// API overrides the Bot API base URL.
	API string
}

// TelegramSender posts plain text to a chat id given as the recipient.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(cfg TelegramConfig) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fault.Configurationf("notifier.telegram", "token is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.API,
		Offline: true,
	})
	if err != nil {
		return nil, fault.Configuration("notifier.telegram", err)
	}
	return &TelegramSender{bot: b}, nil
}

func (t *TelegramSender) Channel() string { return ChannelTelegram }

func (t *TelegramSender) Send(ctx context.Context, n Notification) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(n.Recipient), 10, 64)
	if err != nil {
		return fault.Validation("notifier.telegram", err)
	}
	text := n.Text
	if n.Subject != "" {
		text = n.Subject + "\n\n" + text
	}
	type result struct{ err error }
	done := make(chan result, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
		done <- result{err: err}
	}()
	select {
	case <-ctx.Done():
		return fault.Dependency("notifier.telegram", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return fault.Dependency("notifier.telegram", r.err)
		}
		return nil
	}
}
