package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

// telegramDriver posts to a single chat. The recipient email only appears in
// the log; the chat id is the destination.
type telegramDriver struct {
	bot    *tele.Bot
	chatID int64
}

func newTelegramDriver(cfg TelegramConfig) (*telegramDriver, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true, // send-only: no getMe, no poller
	})
	if err != nil {
		return nil, err
	}
	return &telegramDriver{bot: b, chatID: cfg.ChatID}, nil
}

func (d *telegramDriver) Name() string { return "telegram" }

func (d *telegramDriver) Send(ctx context.Context, _ string, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := m.Subject + "\n\n" + m.Text
	if r := []rune(text); len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit])
	}
	_, err := d.bot.Send(&tele.Chat{ID: d.chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
